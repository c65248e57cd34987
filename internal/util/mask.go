// Package util agrupa helpers chicos sin dependencias del dominio.
package util

import "strings"

// MaskEmail deja sólo la primera letra del usuario y del primer label del
// dominio, para loguear destinatarios sin exponerlos.
func MaskEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	user, dom, ok := strings.Cut(s, "@")
	if !ok || user == "" {
		switch {
		case s == "":
			return ""
		case len(s) <= 3:
			return "***"
		}
		return s[:1] + "…" + s[len(s)-1:]
	}
	labels := strings.Split(dom, ".")
	return maskHead(user) + "@" + strings.Join(append([]string{maskHead(labels[0])}, labels[1:]...), ".")
}

func maskHead(s string) string {
	if len(s) <= 1 {
		return s
	}
	return s[:1] + "…"
}
