// Package logger provides a singleton Zap logger with context-based scoping.
//
//   - Singleton: una sola instancia global inicializada con Init().
//   - Context scoping: cada job o request puede llevar su propio logger con
//     campos adicionales (source, op, request_id) sin crear un nuevo core.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//
// Inicialización (una vez en main):
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
// En jobs/handlers:
//
//	log := logger.From(ctx)
//	log.Info("notification published", logger.Source(src), logger.KeyID(id))
//
// Nunca loguear un repository.KeyRecord completo: usar KeyID.
package logger
