// Package cluster provee la infraestructura Raft del controller: el wrapper
// del log replicado (Node), la FSM que aplica records en orden y el catálogo
// cerrado de records replicados.
package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/dropDatabas3/featgate/internal/feature"
)

// RecordType define el catálogo de records replicados.
// Es un catálogo CERRADO: la FSM hace switch exhaustivo y un tipo desconocido
// es un error de decode, nunca un no-op silencioso.
type RecordType string

const (
	// RecordRegisterNode alta o reemplazo (por epoch mayor) de un nodo del cluster.
	RecordRegisterNode RecordType = "register_node"
	// RecordDeregisterNode baja explícita de un nodo.
	RecordDeregisterNode RecordType = "deregister_node"
	// RecordFeatureDecision recompute monótono de la versión finalizada de una feature.
	RecordFeatureDecision RecordType = "feature_decision"
	// RecordFeatureDowngrade downgrade deliberado; subtipo propio para que el
	// replay distinga una regresión intencional de un recompute.
	RecordFeatureDowngrade RecordType = "feature_downgrade"
)

// Record representa una operación a replicar por Raft.
// El payload es JSON crudo pre-serializado del DTO correspondiente al tipo.
// Epoch es el controller epoch (raft term) bajo el cual el leader lo propuso.
type Record struct {
	Type    RecordType `json:"type"`
	TsUnix  int64      `json:"tsUnix"`
	Epoch   uint64     `json:"epoch,omitempty"`
	Payload []byte     `json:"payload"`
}

// RegisterNodeDTO es el payload para RecordRegisterNode.
// Features mapea nombre de feature -> rango soportado por este nodo.
// Endpoints es metadata de conexión opaca para este core (se propaga tal cual).
type RegisterNodeDTO struct {
	NodeID    uint64                          `json:"nodeId"`
	Epoch     uint64                          `json:"nodeEpoch"`
	Features  map[string]feature.VersionRange `json:"features"`
	Endpoints map[string]string               `json:"endpoints,omitempty"`
}

// DeregisterNodeDTO es el payload para RecordDeregisterNode.
// Epoch debe igualar o superar el epoch registrado para que la baja aplique.
type DeregisterNodeDTO struct {
	NodeID uint64 `json:"nodeId"`
	Epoch  uint64 `json:"nodeEpoch"`
}

// FeatureDecisionDTO es el payload para RecordFeatureDecision y
// RecordFeatureDowngrade. Epoch es el controller epoch bajo el que se decidió.
type FeatureDecisionDTO struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
	Epoch   uint64 `json:"epoch"`
}

// EncodeRecord serializa un record con su payload ya armado.
func EncodeRecord(t RecordType, epoch uint64, tsUnix int64, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	rec := Record{Type: t, TsUnix: tsUnix, Epoch: epoch, Payload: p}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return b, nil
}
