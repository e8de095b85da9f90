// Package feature define el modelo de dominio compartido de la negociación:
// rangos de versiones soportadas y la taxonomía de errores del core. Es un
// paquete hoja para que cluster, registry y featcache lo compartan sin ciclos.
package feature

// VersionRange es un rango inclusivo [Min, Max] de versiones soportadas
// por un nodo para una feature.
type VersionRange struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

// Contains informa si v cae dentro del rango.
func (r VersionRange) Contains(v uint64) bool {
	return v >= r.Min && v <= r.Max
}

// Valid informa si el rango está bien formado (Min <= Max).
func (r VersionRange) Valid() bool {
	return r.Min <= r.Max
}
