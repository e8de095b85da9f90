package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration crea un campo para la duración de una operación.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// DurationMs crea un campo para la duración en milisegundos.
func DurationMs(v int64) zap.Field {
	return zap.Int64("duration_ms", v)
}

// Bytes crea un campo para los bytes de respuesta.
func Bytes(v int) zap.Field {
	return zap.Int("bytes", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - NEGOCIO (cluster / features)
// =================================================================================

// NodeID crea un campo para el ID de un nodo registrado del cluster.
func NodeID(v uint64) zap.Field {
	return zap.Uint64("node_id", v)
}

// RaftID crea un campo para el ID raft del proceso local.
func RaftID(v string) zap.Field {
	return zap.String("raft_id", v)
}

// Feature crea un campo para el nombre de una feature.
func Feature(v string) zap.Field {
	return zap.String("feature", v)
}

// Version crea un campo para una versión de feature.
func Version(v uint64) zap.Field {
	return zap.Uint64("version", v)
}

// Epoch crea un campo para un epoch de registración de nodo.
func Epoch(v uint64) zap.Field {
	return zap.Uint64("epoch", v)
}

// ControllerEpoch crea un campo para el término de liderazgo (raft term).
func ControllerEpoch(v uint64) zap.Field {
	return zap.Uint64("controller_epoch", v)
}

// Offset crea un campo para una posición del log replicado.
func Offset(v uint64) zap.Field {
	return zap.Uint64("offset", v)
}

// RecordType crea un campo para el tipo de un record replicado.
func RecordType(v string) zap.Field {
	return zap.String("record_type", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// =================================================================================
// CAMPOS ESTÁNDAR - DATOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Key crea un campo genérico para una clave.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}

// Strings crea un campo para una lista de strings.
func Strings(key string, v []string) zap.Field {
	return zap.Strings(key, v)
}
