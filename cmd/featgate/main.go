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

	"github.com/dropDatabas3/featgate/internal/security/apikey"
)

type client struct {
	BaseURL   string
	AdminKey  string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if c.AdminKey != "" {
		req.Header.Set("X-Admin-Key", c.AdminKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
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
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

// parseRange interpreta "name=min:max" (o "name=min" como rango puntual).
func parseRange(s string) (name string, min, max uint64, err error) {
	eq := strings.SplitN(s, "=", 2)
	if len(eq) != 2 || eq[0] == "" {
		return "", 0, 0, fmt.Errorf("formato esperado name=min:max, recibido %q", s)
	}
	name = eq[0]
	parts := strings.SplitN(eq[1], ":", 2)
	if _, err = fmt.Sscanf(parts[0], "%d", &min); err != nil {
		return "", 0, 0, fmt.Errorf("min inválido en %q", s)
	}
	max = min
	if len(parts) == 2 {
		if _, err = fmt.Sscanf(parts[1], "%d", &max); err != nil {
			return "", 0, 0, fmt.Errorf("max inválido en %q", s)
		}
	}
	return name, min, max, nil
}

func main() {
	var (
		baseURL = envOr("FEATGATE_URL", "http://localhost:8080")
		apiKey  = envOr("FEATGATE_ADMIN_KEY", "")
		out     = envOr("FEATGATE_OUT", "text")
		timeout = 90 * time.Second
	)

	root := &cobra.Command{
		Use:   "featgate",
		Short: "CLI admin para el controller de features",
	}

	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "URL base del servicio (env FEATGATE_URL)")
	root.PersistentFlags().StringVar(&apiKey, "admin-key", apiKey, "Admin key del write path (env FEATGATE_ADMIN_KEY)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")

	cl := &client{HTTP: &http.Client{Timeout: timeout}}
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cl.BaseURL, cl.AdminKey, cl.OutFormat = baseURL, apiKey, out
	}

	// ─── nodes ───
	nodesCmd := &cobra.Command{Use: "nodes", Short: "Registraciones de nodos del cluster"}

	var regID, regEpoch uint64
	var regFeatures, regEndpoints []string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Registrar (o re-registrar) un nodo con sus rangos de features",
		RunE: func(cmd *cobra.Command, args []string) error {
			if regID == 0 {
				return fmt.Errorf("--id es requerido")
			}
			features := map[string]map[string]uint64{}
			for _, s := range regFeatures {
				name, min, max, err := parseRange(s)
				if err != nil {
					return err
				}
				features[name] = map[string]uint64{"min": min, "max": max}
			}
			endpoints := map[string]string{}
			for _, s := range regEndpoints {
				kv := strings.SplitN(s, "=", 2)
				if len(kv) != 2 {
					return fmt.Errorf("endpoint esperado k=v, recibido %q", s)
				}
				endpoints[kv[0]] = kv[1]
			}
			payload := map[string]any{"nodeId": regID, "features": features}
			if regEpoch > 0 {
				payload["nodeEpoch"] = regEpoch
			}
			if len(endpoints) > 0 {
				payload["endpoints"] = endpoints
			}
			b, _ := json.Marshal(payload)
			status, body, err := cl.do("POST", "/v1/nodes", b)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("register fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	registerCmd.Flags().Uint64Var(&regID, "id", 0, "NodeID (requerido, > 0)")
	registerCmd.Flags().Uint64Var(&regEpoch, "epoch", 0, "Epoch de registración (0 = auto-asignar)")
	registerCmd.Flags().StringArrayVar(&regFeatures, "feature", nil, "Rango declarado, name=min:max (repetible)")
	registerCmd.Flags().StringArrayVar(&regEndpoints, "endpoint", nil, "Endpoint k=v (repetible)")

	var deregID, deregEpoch uint64
	deregisterCmd := &cobra.Command{
		Use:   "deregister",
		Short: "Baja explícita de un nodo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deregID == 0 {
				return fmt.Errorf("--id es requerido")
			}
			path := fmt.Sprintf("/v1/nodes/%d", deregID)
			if deregEpoch > 0 {
				path += fmt.Sprintf("?epoch=%d", deregEpoch)
			}
			status, body, err := cl.do("DELETE", path, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("deregister fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	deregisterCmd.Flags().Uint64Var(&deregID, "id", 0, "NodeID (requerido)")
	deregisterCmd.Flags().Uint64Var(&deregEpoch, "epoch", 0, "Epoch registrado (0 = el vigente)")

	var hbID uint64
	heartbeatCmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Renovar el lease de liveness de un nodo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hbID == 0 {
				return fmt.Errorf("--id es requerido")
			}
			status, body, err := cl.do("POST", fmt.Sprintf("/v1/nodes/%d/heartbeat", hbID), nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("heartbeat fallo: status=%d body=%s", status, string(body))
			}
			fmt.Println("ok")
			return nil
		},
	}
	heartbeatCmd.Flags().Uint64Var(&hbID, "id", 0, "NodeID (requerido)")

	nodesListCmd := &cobra.Command{
		Use:   "list",
		Short: "Listar nodos registrados (vista local)",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/nodes", nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	nodesCmd.AddCommand(registerCmd, deregisterCmd, heartbeatCmd, nodesListCmd)

	// ─── features ───
	featuresCmd := &cobra.Command{Use: "features", Short: "Decisiones de features"}

	var listMinOffset uint64
	var listTimeout string
	featuresListCmd := &cobra.Command{
		Use:   "list",
		Short: "Listar versiones finalizadas (cache local)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/features"
			if listMinOffset > 0 {
				path += fmt.Sprintf("?min_offset=%d", listMinOffset)
				if listTimeout != "" {
					path += "&timeout=" + listTimeout
				}
			}
			status, body, err := cl.do("GET", path, nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}
	featuresListCmd.Flags().Uint64Var(&listMinOffset, "min-offset", 0, "Esperar hasta ver este offset aplicado")
	featuresListCmd.Flags().StringVar(&listTimeout, "timeout", "", "Timeout de la espera (ej. 5s)")

	featuresGetCmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Ver la decisión vigente de una feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/features/"+args[0], nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	recomputeCmd := &cobra.Command{
		Use:   "recompute NAME",
		Short: "Forzar re-evaluación de una feature en el leader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("POST", "/v1/features/"+args[0]+"/recompute", nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("recompute fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}

	var downVersion uint64
	downgradeCmd := &cobra.Command{
		Use:   "downgrade NAME",
		Short: "Downgrade explícito de una feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _ := json.Marshal(map[string]uint64{"version": downVersion})
			status, body, err := cl.do("POST", "/v1/features/"+args[0]+"/downgrade", b)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("downgrade fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	downgradeCmd.Flags().Uint64Var(&downVersion, "version", 0, "Versión destino")

	featuresCmd.AddCommand(featuresListCmd, featuresGetCmd, recomputeCmd, downgradeCmd)

	// ─── voters ───
	votersCmd := &cobra.Command{Use: "voters", Short: "Membership raft del cluster"}

	votersListCmd := &cobra.Command{
		Use:   "list",
		Short: "Listar la configuración raft vigente",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/cluster/voters", nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	var voterID, voterAddr string
	votersAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Agregar un votante (nodo arrancado con disable_bootstrap)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if voterID == "" || voterAddr == "" {
				return fmt.Errorf("--id y --addr son requeridos")
			}
			b, _ := json.Marshal(map[string]string{"id": voterID, "addr": voterAddr})
			status, body, err := cl.do("POST", "/v1/cluster/voters", b)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("add voter fallo: status=%d body=%s", status, string(body))
			}
			fmt.Println("ok")
			return nil
		},
	}
	votersAddCmd.Flags().StringVar(&voterID, "id", "", "Raft ID del nodo (requerido)")
	votersAddCmd.Flags().StringVar(&voterAddr, "addr", "", "Dirección raft host:port (requerido)")

	var removeID string
	votersRemoveCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remover un server de la configuración raft",
		RunE: func(cmd *cobra.Command, args []string) error {
			if removeID == "" {
				return fmt.Errorf("--id es requerido")
			}
			status, body, err := cl.do("DELETE", "/v1/cluster/voters/"+removeID, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("remove voter fallo: status=%d body=%s", status, string(body))
			}
			fmt.Println("ok")
			return nil
		},
	}
	votersRemoveCmd.Flags().StringVar(&removeID, "id", "", "Raft ID del server (requerido)")

	votersCmd.AddCommand(votersListCmd, votersAddCmd, votersRemoveCmd)

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Estado del cluster (leader, offset aplicado, nodos)",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("GET", "/v1/cluster/status", nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			return nil
		},
	}

	// ─── hash-key ───
	hashKeyCmd := &cobra.Command{
		Use:   "hash-key KEY",
		Short: "Generar el hash argon2id de una admin key (para admin.api_key_hash)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phc, err := apikey.Hash(apikey.Default, args[0])
			if err != nil {
				return err
			}
			fmt.Println(phc)
			return nil
		},
	}

	root.AddCommand(nodesCmd, featuresCmd, votersCmd, statusCmd, hashKeyCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
