package repository

import "errors"

var (
	// ErrNotFound indica que el record solicitado no existe.
	ErrNotFound = errors.New("not found")

	// ErrConflict indica un conflicto de escritura concurrente (versión
	// desactualizada, serialization failure). Reintentable.
	ErrConflict = errors.New("write conflict")

	// ErrActiveKeyExists indica que la escritura dejaría dos claves activas.
	ErrActiveKeyExists = errors.New("another key is already active")

	// ErrKeyRetired indica un intento de reactivar una clave retirada.
	ErrKeyRetired = errors.New("key is retired")

	// ErrDuplicateID indica un insert con un id ya existente.
	ErrDuplicateID = errors.New("duplicate key id")

	// ErrNotLeader indica que la escritura requiere ser líder del cluster.
	ErrNotLeader = errors.New("not cluster leader")
)

// IsNotFound verifica si el error es ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict verifica si el error es ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
