// Package repository define el contrato de persistencia de claves de firma.
//
// El contrato es deliberadamente estrecho: lecturas del último estado
// confirmado y mutaciones atómicas dentro de InTx. No contiene política de
// rotación; esa vive en internal/rotation, el único escritor de los flags
// active/queued.
//
//	┌────────────────────────────────────────────┐
//	│   rotation.Engine  /  nrtm.Generator       │
//	└────────────────────────────────────────────┘
//	                    │
//	                    ▼
//	┌────────────────────────────────────────────┐
//	│  domain/repository (KeyStore, KeyRecord)   │
//	└────────────────────────────────────────────┘
//	                    │
//	   ┌──────────┬─────┴─────┬──────────┐
//	   ▼          ▼           ▼          ▼
//	 memory       pg        sqlite      raft
//
// Convenciones:
//   - Context siempre es el primer parámetro
//   - Los records devueltos son copias; mutarlos no afecta al store
//   - Errores de dominio están en errors.go
package repository
