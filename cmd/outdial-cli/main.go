package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"outdial/internal/calls"
	"outdial/internal/engine"
	"outdial/internal/session"
)

var (
	apiHost  string
	apiToken string
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "outdial-cli",
		Short: "CLI para operar Outdial",
		Long:  `Una herramienta de línea de comandos para originar y consultar llamadas en Outdial de forma remota.`,
	}

	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:8080", "URL base de la API")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("OUTDIAL_TOKEN"), "token JWT (o OUTDIAL_TOKEN)")

	// === SESIÓN ===
	var loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Obtener un token",
		Run:   runLogin,
	}
	loginCmd.Flags().String("user", "", "Usuario (requerido)")
	loginCmd.Flags().String("pass", "", "Contraseña (requerido)")

	// === LLAMADAS ===
	var callCmd = &cobra.Command{
		Use:   "call",
		Short: "Gestionar llamadas",
	}

	var callPlaceCmd = &cobra.Command{
		Use:   "place",
		Short: "Originar una llamada",
		Run:   runCallPlace,
	}
	callPlaceCmd.Flags().String("tenant", "", "Tenant (solo administradores)")
	callPlaceCmd.Flags().String("to", "", "Número destino (requerido)")
	callPlaceCmd.Flags().String("from", "", "Caller ID")
	callPlaceCmd.Flags().String("transfer", "", "Número de transferencia")
	callPlaceCmd.Flags().Int64("lead", 0, "ID del lead")
	callPlaceCmd.Flags().Bool("sync", false, "Esperar la respuesta del originate")

	var callGetCmd = &cobra.Command{
		Use:   "get [id]",
		Short: "Ver una llamada",
		Args:  cobra.ExactArgs(1),
		Run:   runCallGet,
	}

	var callListCmd = &cobra.Command{
		Use:   "list",
		Short: "Listar llamadas",
		Run:   runCallList,
	}
	callListCmd.Flags().String("tenant", "", "Tenant (solo administradores)")
	callListCmd.Flags().String("status", "", "Filtrar por estado")
	callListCmd.Flags().String("search", "", "Buscar por número")
	callListCmd.Flags().Int("limit", 50, "Máximo de filas")
	callListCmd.Flags().Int("offset", 0, "Desplazamiento")

	var callStatusCmd = &cobra.Command{
		Use:   "status [id] [estado]",
		Short: "Forzar el estado de una llamada",
		Args:  cobra.ExactArgs(2),
		Run:   runCallStatus,
	}

	callCmd.AddCommand(callPlaceCmd, callGetCmd, callListCmd, callStatusCmd)

	var sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Listar sesiones activas en las centrales",
		Run:   runSessions,
	}

	// === ROOT ===
	rootCmd.AddCommand(loginCmd, callCmd, sessionsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// --- HANDLERS ---

func runLogin(cmd *cobra.Command, args []string) {
	user := getString(cmd, "user")
	pass := getString(cmd, "pass")
	if user == "" || pass == "" {
		fmt.Println("Error: --user y --pass son requeridos")
		return
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
		TenantID  string    `json:"tenant_id"`
	}
	body := map[string]string{"username": user, "password": pass}
	if err := doJSON(http.MethodPost, "/api/v1/login", body, &out); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(out.Token)
	fmt.Fprintf(os.Stderr, "Válido hasta %s\n", out.ExpiresAt.Local().Format(time.RFC3339))
}

func runCallPlace(cmd *cobra.Command, args []string) {
	req := engine.PlaceCallRequest{
		TenantID:       getString(cmd, "tenant"),
		To:             getString(cmd, "to"),
		From:           getString(cmd, "from"),
		TransferNumber: getString(cmd, "transfer"),
		Synchronous:    getBool(cmd, "sync"),
	}
	if req.To == "" {
		fmt.Println("Error: --to es requerido")
		return
	}
	if lead, _ := cmd.Flags().GetInt64("lead"); lead > 0 {
		req.LeadID = &lead
	}

	var res engine.PlaceCallResult
	if err := doJSON(http.MethodPost, "/api/v1/calls", req, &res); err != nil {
		fmt.Printf("Error: %v\n", err)
		if res.CallRecordID != "" {
			fmt.Printf("Registro %s marcado como fallido\n", res.CallRecordID)
		}
		return
	}
	fmt.Printf("✓ Llamada %s iniciada", res.CallRecordID)
	if res.SwitchID != "" {
		fmt.Printf(" (uniqueid %s)", res.SwitchID)
	}
	fmt.Println()
}

func runCallGet(cmd *cobra.Command, args []string) {
	var rec calls.CallRecord
	if err := doJSON(http.MethodGet, "/api/v1/calls/"+url.PathEscape(args[0]), nil, &rec); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printCalls([]calls.CallRecord{rec})
}

func runCallList(cmd *cobra.Command, args []string) {
	q := url.Values{}
	for _, name := range []string{"status", "search"} {
		if v := getString(cmd, name); v != "" {
			q.Set(name, v)
		}
	}
	if v := getString(cmd, "tenant"); v != "" {
		q.Set("tenant_id", v)
	}
	q.Set("limit", strconv.Itoa(getInt(cmd, "limit")))
	q.Set("offset", strconv.Itoa(getInt(cmd, "offset")))

	var out struct {
		Calls []calls.CallRecord `json:"calls"`
		Total int                `json:"total"`
	}
	if err := doJSON(http.MethodGet, "/api/v1/calls?"+q.Encode(), nil, &out); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printCalls(out.Calls)
	fmt.Printf("\n%d de %d llamadas\n", len(out.Calls), out.Total)
}

func runCallStatus(cmd *cobra.Command, args []string) {
	var rec calls.CallRecord
	path := "/api/v1/calls/" + url.PathEscape(args[0]) + "/status"
	if err := doJSON(http.MethodPut, path, map[string]string{"status": args[1]}, &rec); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Llamada %s ahora en %s\n", rec.ID, rec.Status)
}

func runSessions(cmd *cobra.Command, args []string) {
	var list []session.Session
	if err := doJSON(http.MethodGet, "/api/v1/sessions", nil, &list); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "UNIQUEID\tLLAMADA\tTENANT\tCONTEXTO\tCENTRAL")
	fmt.Fprintln(w, "--------\t-------\t------\t--------\t-------")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.SwitchID, s.CallRecordID, s.TenantID, s.DialContext, s.SwitchAddr)
	}
	w.Flush()
}

func printCalls(list []calls.CallRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tDESTINO\tESTADO\tDISP\tDURACION\tINICIO")
	fmt.Fprintln(w, "--\t------\t-------\t------\t----\t--------\t------")
	for _, c := range list {
		dur := "-"
		if c.Duration != nil {
			dur = strconv.Itoa(*c.Duration) + "s"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.TenantID, c.To, c.Status, c.Disposition, dur, c.StartTime.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

// --- HELPERS ---

// doJSON envía body como JSON y decodifica el campo data de la respuesta en out.
// En errores de la API out recibe igualmente data si viene presente.
func doJSON(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, apiHost+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("conectando a API: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("respuesta inválida (%s): %w", resp.Status, err)
	}
	if len(env.Data) > 0 && out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return err
		}
	}
	if resp.StatusCode >= 300 {
		if env.Error != "" {
			return fmt.Errorf("API %s: %s", resp.Status, env.Error)
		}
		return fmt.Errorf("API %s", resp.Status)
	}
	return nil
}

func getString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func getInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func getBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}
