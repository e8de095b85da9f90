package feature

import "errors"

// Taxonomía de errores del core. Las condiciones recuperables se devuelven
// como valores; nunca tumban el proceso.
var (
	// ErrNotLeader indica que un write se intentó desde un proceso que no es
	// leader. El retry pertenece al caller (el liderazgo pudo haber migrado);
	// el coordinator NUNCA reintenta internamente.
	ErrNotLeader = errors.New("featgate: not leader")

	// ErrWaitTimeout indica que WaitUntil venció su deadline. El resultado es
	// "desconocido, no fallido": la operación subyacente puede completarse
	// igual más tarde.
	ErrWaitTimeout = errors.New("featgate: wait timeout")

	// ErrOutOfSync indica que el cache local no pudo re-sincronizarse tras un
	// gap del log (restore de snapshot fallido). El nodo queda fuera de las
	// intersecciones hasta resolverse.
	ErrOutOfSync = errors.New("featgate: local cache out of sync")

	// ErrDowngradeRejected indica que un downgrade explícito apunta a una
	// versión fuera del rango de algún nodo registrado que declara la feature.
	ErrDowngradeRejected = errors.New("featgate: downgrade outside supported ranges")
)
