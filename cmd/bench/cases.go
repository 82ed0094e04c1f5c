// README: Runner cases: environment, schema, trip lifecycle over HTTP, concurrent cancel race, location ingestion load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

// Downtown Toronto; short enough that the early-completion check passes when
// the last sample is reported at the destination.
var (
	benchPickup      = map[string]any{"lat": 43.6532, "lng": -79.3832, "address": "Union Station"}
	benchDestination = map[string]any{"lat": 43.6677, "lng": -79.3948, "address": "Royal Ontario Museum"}
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// lifecycleTrip is the trip the lifecycle case drove; later cases inspect it.
	lifecycleTrip      string
	lifecycleCompleted bool
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: pingPostgres},
		{Name: "Env: Redis connect", Run: pingRedis},
		{Name: "Schema: tables present", Run: schemaTables},
		{Name: "HTTP: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
		}},
		{Name: "HTTP: trips require auth", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/trips", "", map[string]any{}, http.StatusUnauthorized)
		}},
		{Name: "Lifecycle: request to completed", Run: lifecycle},
		{Name: "Lifecycle: audit events persisted", Run: auditEvents},
		{Name: "Lifecycle: live position dropped on completion", Run: liveStateDropped},
		{Name: "Race: concurrent cancels, one winner", Run: concurrentCancel},
		{Name: "Load: location ingestion", Run: locationLoad},
	}
}

func pingPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func pingRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusFail, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func schemaTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, tbl := range tables {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, tbl).Scan(&exists); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table " + tbl}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

// lifecycle drives one trip through every happy-path state over the public API.
func lifecycle(ctx context.Context, r *Runner) Result {
	if !r.cfg.hasTokens() {
		return Result{Status: statusSkip, Note: "rider/driver/system tokens not configured"}
	}
	start := time.Now()
	id, err := r.startTrip(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	r.lifecycleTrip = id

	if err := r.reportAt(ctx, id, benchDestination); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	status, err := r.complete(ctx, id)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	r.lifecycleCompleted = status == http.StatusOK
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("trip=%s complete_status=%d", id, status)}
}

// startTrip requests a trip and drives it to in_progress.
func (r *Runner) startTrip(ctx context.Context) (string, error) {
	id, err := r.requestTrip(ctx)
	if err != nil {
		return "", err
	}
	steps := []struct {
		token string
		body  map[string]any
	}{
		{r.cfg.SystemToken, map[string]any{"to": "matched", "driverId": r.cfg.DriverID}},
		{r.cfg.DriverToken, map[string]any{"to": "arriving"}},
		{r.cfg.DriverToken, map[string]any{"to": "arrived"}},
		{r.cfg.DriverToken, map[string]any{"to": "verifying"}},
	}
	for _, s := range steps {
		if _, err := r.transition(ctx, id, s.token, s.body, http.StatusOK); err != nil {
			return id, err
		}
	}

	var view struct {
		VerificationCode string `json:"verificationCode"`
	}
	if _, err := r.call(ctx, http.MethodGet, "/api/trips/"+id, r.cfg.RiderToken, nil, &view); err != nil {
		return id, err
	}
	if _, err := r.transition(ctx, id, r.cfg.DriverToken, map[string]any{"to": "in_progress", "code": view.VerificationCode}, http.StatusOK); err != nil {
		return id, err
	}
	return id, nil
}

// complete accepts a deferred completion as well; the rider may still be asked.
func (r *Runner) complete(ctx context.Context, id string) (int, error) {
	return r.transition(ctx, id, r.cfg.DriverToken, map[string]any{"to": "completed"}, http.StatusOK, http.StatusAccepted)
}

func auditEvents(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.lifecycleTrip == "" {
		return Result{Status: statusSkip, Note: "needs db and a lifecycle trip"}
	}
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM trip_state_events WHERE trip_id = $1`, r.lifecycleTrip).Scan(&n); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	// request + five transitions up to in_progress, plus completion unless it was deferred.
	if n < 6 {
		return Result{Status: statusFail, Note: fmt.Sprintf("events=%d", n)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("events=%d", n)}
}

// liveStateDropped checks that an ended trip no longer holds a live position
// or recent samples in Redis.
func liveStateDropped(ctx context.Context, r *Runner) Result {
	if r.redis == nil || !r.lifecycleCompleted {
		return Result{Status: statusSkip, Note: "needs redis and a completed lifecycle trip"}
	}
	n, err := r.redis.LLen(ctx, "trip:"+r.lifecycleTrip+":samples").Result()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	_, err = r.redis.ZScore(ctx, "geo:trip_vehicles", r.lifecycleTrip).Result()
	switch {
	case err == nil:
		return Result{Status: statusFail, Note: "trip still in geo set"}
	case !errors.Is(err, redis.Nil):
		return Result{Status: statusFail, Note: err.Error()}
	}
	if n != 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("samples=%d", n)}
	}
	return Result{Status: statusPass}
}

// concurrentCancel fires N rider cancels carrying the same expected version;
// exactly one may win.
func concurrentCancel(ctx context.Context, r *Runner) Result {
	if !r.cfg.hasTokens() {
		return Result{Status: statusSkip, Note: "tokens not configured"}
	}
	id, err := r.requestTrip(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	var ok, conflict, other atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := r.call(ctx, http.MethodPost, "/api/trips/"+id+"/transitions", r.cfg.RiderToken,
				map[string]any{"to": "cancelled", "expectedVersion": 1}, nil)
			switch status {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusConflict:
				conflict.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()
	note := fmt.Sprintf("ok=%d conflict=%d other=%d", ok.Load(), conflict.Load(), other.Load())
	if ok.Load() != 1 || other.Load() != 0 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func locationLoad(ctx context.Context, r *Runner) Result {
	if !r.cfg.hasTokens() {
		return Result{Status: statusSkip, Note: "tokens not configured"}
	}
	id, err := r.startTrip(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	// Samples are only accepted while the trip is in progress.
	defer func() { _, _ = r.complete(context.WithoutCancel(ctx), id) }()
	end := time.Now().Add(r.cfg.Duration)
	var accepted, throttled, failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, err := r.call(ctx, http.MethodPost, "/api/trips/"+id+"/locations", r.cfg.DriverToken,
					sampleAt(benchDestination), nil)
				switch {
				case err != nil && status == 0:
					failed.Add(1)
				case status == http.StatusAccepted:
					accepted.Add(1)
				case status == http.StatusTooManyRequests:
					throttled.Add(1)
				default:
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if accepted.Load() == 0 {
		return Result{Status: statusFail, Note: "no samples accepted"}
	}
	rps := float64(accepted.Load()+throttled.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f accepted=%d throttled=%d failed=%d",
		rps, accepted.Load(), throttled.Load(), failed.Load())}
}

func (r *Runner) requestTrip(ctx context.Context) (string, error) {
	var out struct {
		TripID string `json:"tripId"`
	}
	status, err := r.call(ctx, http.MethodPost, "/api/trips", r.cfg.RiderToken, map[string]any{
		"pickup":        benchPickup,
		"destination":   benchDestination,
		"estimatedCost": map[string]any{"amount": 1800, "currency": "CAD"},
	}, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated || out.TripID == "" {
		return "", fmt.Errorf("request trip: status=%d", status)
	}
	return out.TripID, nil
}

func (r *Runner) transition(ctx context.Context, id, token string, body map[string]any, want ...int) (int, error) {
	status, err := r.call(ctx, http.MethodPost, "/api/trips/"+id+"/transitions", token, body, nil)
	if err != nil {
		return status, err
	}
	if !contains(want, status) {
		return status, fmt.Errorf("transition to %v: status=%d", body["to"], status)
	}
	return status, nil
}

func (r *Runner) reportAt(ctx context.Context, id string, at map[string]any) error {
	status, err := r.call(ctx, http.MethodPost, "/api/trips/"+id+"/locations", r.cfg.DriverToken, sampleAt(at), nil)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("report location: status=%d", status)
	}
	return nil
}

func sampleAt(at map[string]any) map[string]any {
	return map[string]any{
		"lat":             at["lat"],
		"lng":             at["lng"],
		"speedMph":        20,
		"sampleTimestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	start := time.Now()
	status, err := r.call(ctx, method, path, token, body, nil)
	latency := time.Since(start)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
}

// call sends a JSON request and decodes a 2xx body into out when given.
func (r *Runner) call(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}
