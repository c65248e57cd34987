package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apihttp "github.com/dropDatabas3/nrtmkeys/internal/http"
)

// client habla con la API de admin de un servicio remoto.
type client struct {
	BaseURL   string
	APIKey    string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(apihttp.AdminKeyHeader, c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(strings.TrimSpace(string(body)))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func (c *client) call(name, method, path string, body []byte) error {
	status, resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("%s fallo: status=%d body=%s", name, status, strings.TrimSpace(string(resp)))
	}
	c.print(status, resp)
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// newAdminCmd agrupa las operaciones de claves contra un servicio en marcha,
// vía /admin/keys.
func newAdminCmd(g *globalFlags) *cobra.Command {
	cl := &client{
		BaseURL: envOr("NRTMKEYS_ADMIN_URL", "http://localhost:8080"),
		APIKey:  envOr("NRTMKEYS_ADMIN_KEY", ""),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}

	admin := &cobra.Command{
		Use:   "admin",
		Short: "Operaciones sobre un servicio remoto (vía /admin/keys)",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if cl.APIKey == "" {
				return fmt.Errorf("falta API key (flag --admin-api-key o env NRTMKEYS_ADMIN_KEY)")
			}
			cl.OutFormat = g.out
			return nil
		},
	}
	admin.PersistentFlags().StringVar(&cl.BaseURL, "admin-api-url", cl.BaseURL, "URL base del servicio (env NRTMKEYS_ADMIN_URL)")
	admin.PersistentFlags().StringVar(&cl.APIKey, "admin-api-key", cl.APIKey, "API key de admin (env NRTMKEYS_ADMIN_KEY)")

	simple := func(use, short, method, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return cl.call(use, method, path, nil)
			},
		}
	}

	var active bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Crea un key record en el servicio remoto",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			b, _ := json.Marshal(map[string]bool{"active": active})
			return cl.call("create", http.MethodPost, "/admin/keys", b)
		},
	}
	create.Flags().BoolVar(&active, "active", false, "activar la clave nueva")

	admin.AddCommand(
		simple("list", "Estado y listado de claves", http.MethodGet, "/admin/keys"),
		simple("tick", "Fuerza un tick de mantenimiento", http.MethodPost, "/admin/keys/tick"),
		simple("force-rotate", "Promueve la clave encolada", http.MethodPost, "/admin/keys/force-rotate"),
		simple("emergency-replace", "Reemplaza la clave activa", http.MethodPost, "/admin/keys/emergency-replace"),
		create,
	)
	return admin
}
