// README: Runner cases: environment checks, the full order lifecycle, stock and offer races, throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tomo/internal/infra"
)

const (
	customerID = 7001
	adminID    = 1
	driverBase = 8001
	driverPool = 5
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// lifecycle state shared by the sequential order cases
	orderID  int64
	driverID int64
}

type Result struct {
	Name      string
	Group     string
	Invariant bool
	Status    string
	Latency   time.Duration
	Note      string
}

// TestCase is one runner step. Invariant cases assert a correctness property
// under concurrency and are reported apart from plain request checks.
type TestCase struct {
	Name      string
	Invariant bool
	Run       func(ctx context.Context, r *Runner) Result
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
		res.Group = groupOf(tc.Name)
		res.Invariant = tc.Invariant
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
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

func (r *Runner) token(role string, id int64) string {
	tok, err := infra.SignJWT(r.cfg.JWTSecret, fmt.Sprintf("%s-%d", role, id), role, id, time.Hour)
	if err != nil {
		return ""
	}
	return tok
}

// call sends one JSON request and decodes a JSON object response when present.
func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, map[string]any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, latency, nil
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) (map[string]any, Result) {
	code, out, latency, err := r.call(ctx, method, path, token, body)
	if err != nil {
		return nil, Result{Status: "FAIL", Note: err.Error()}
	}
	if code != want {
		return out, Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d want=%d body=%v", code, want, out)}
	}
	return out, Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("status=%d", code)}
}

func (r *Runner) setStock(ctx context.Context, qty int) Result {
	_, res := r.expect(ctx, http.MethodPut, "/api/admin/inventory", r.token("admin", adminID), map[string]any{
		"store_id":   r.cfg.StoreID,
		"product_id": r.cfg.ProductID,
		"quantity":   qty,
		"available":  true,
	}, http.StatusOK)
	return res
}

func (r *Runner) orderBody(qty int) map[string]any {
	return map[string]any{
		"store_id": r.cfg.StoreID,
		"items": []map[string]any{
			{"product_id": r.cfg.ProductID, "quantity": qty, "unit_price": "3.75"},
		},
		"delivery_fee":     "7.00",
		"delivery_address": "bench street 1",
		"payment_method":   "cash",
	}
}

func (r *Runner) needOrder() (Result, bool) {
	if r.orderID == 0 {
		return Result{Status: "SKIP", Note: "no order from earlier case"}, false
	}
	return Result{}, true
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured, presence is in-process"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				if err := infra.ApplyMigrationFile(ctx, r.db, r.cfg.MigrationPath); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS", Note: fmt.Sprintf("%d tables", len(tables))}
			},
		},
		{
			Name: "API: health",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if code != http.StatusOK {
					return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d", code)}
				}
				return Result{Status: "PASS", Latency: latency}
			},
		},
		{
			Name: "API: unauthenticated -> 401",
			Run: func(ctx context.Context, r *Runner) Result {
				_, res := r.expect(ctx, http.MethodGet, "/api/driver/tasks", "", nil, http.StatusUnauthorized)
				return res
			},
		},
		{
			Name: "Setup: seed stock",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.JWTSecret == "" {
					return Result{Status: "FAIL", Note: "jwt-secret is required"}
				}
				return r.setStock(ctx, 1000)
			},
		},
		{
			Name: "Setup: drivers online",
			Run: func(ctx context.Context, r *Runner) Result {
				for i := int64(0); i < driverPool; i++ {
					id := driverBase + i
					_, res := r.expect(ctx, http.MethodPut, "/api/driver/location", r.token("driver", id),
						map[string]any{"lat": 24.7136, "lng": 46.6753, "online": true}, http.StatusOK)
					if res.Status != "PASS" {
						return res
					}
				}
				return Result{Status: "PASS", Note: fmt.Sprintf("drivers=%d", driverPool)}
			},
		},
		{
			Name: "Order: checkout",
			Run: func(ctx context.Context, r *Runner) Result {
				out, res := r.expect(ctx, http.MethodPost, "/api/orders", r.token("customer", customerID), r.orderBody(2), http.StatusCreated)
				if res.Status == "PASS" {
					r.orderID = int64(out["id"].(float64))
					res.Note = fmt.Sprintf("order=%d code=%v total=%v", r.orderID, out["public_code"], out["total_amount"])
				}
				return res
			},
		},
		{
			Name: "Order: invalid transition -> 409",
			Run: func(ctx context.Context, r *Runner) Result {
				if res, ok := r.needOrder(); !ok {
					return res
				}
				out, res := r.expect(ctx, http.MethodPut, fmt.Sprintf("/api/store/orders/%d/status", r.orderID),
					r.token("store", r.cfg.StoreID), map[string]any{"status": "DELIVERED"}, http.StatusConflict)
				if res.Status == "PASS" && out["error"] != "INVALID_TRANSITION" {
					return Result{Status: "FAIL", Note: fmt.Sprintf("error=%v", out["error"])}
				}
				return res
			},
		},
		{
			Name: "Order: store accept, prepare, ready",
			Run: func(ctx context.Context, r *Runner) Result {
				if res, ok := r.needOrder(); !ok {
					return res
				}
				tok := r.token("store", r.cfg.StoreID)
				path := fmt.Sprintf("/api/store/orders/%d", r.orderID)
				if _, res := r.expect(ctx, http.MethodPost, path+"/accept", tok, nil, http.StatusOK); res.Status != "PASS" {
					return res
				}
				for _, s := range []string{"PREPARING", "READY"} {
					if _, res := r.expect(ctx, http.MethodPut, path+"/status", tok, map[string]any{"status": s}, http.StatusOK); res.Status != "PASS" {
						return res
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:      "Dispatch: exactly one driver wins",
			Invariant: true,
			Run: func(ctx context.Context, r *Runner) Result {
				if res, ok := r.needOrder(); !ok {
					return res
				}
				return r.dispatchRace(ctx)
			},
		},
		{
			Name: "Order: pickup and deliver",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.driverID == 0 {
					return Result{Status: "SKIP", Note: "no assigned driver"}
				}
				tok := r.token("driver", r.driverID)
				path := fmt.Sprintf("/api/driver/orders/%d/status", r.orderID)
				for _, s := range []string{"PICKED_UP", "DELIVERED"} {
					if _, res := r.expect(ctx, http.MethodPut, path, tok, map[string]any{"status": s}, http.StatusOK); res.Status != "PASS" {
						return res
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Order: timeline complete",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.driverID == 0 {
					return Result{Status: "SKIP", Note: "order not delivered"}
				}
				out, res := r.expect(ctx, http.MethodGet, fmt.Sprintf("/api/orders/%d/timeline", r.orderID), r.token("customer", customerID), nil, http.StatusOK)
				if res.Status != "PASS" {
					return res
				}
				rows, _ := out["timeline"].([]any)
				statuses := 0
				for _, row := range rows {
					if m, ok := row.(map[string]any); ok && m["type"] == "status_changed" {
						statuses++
					}
				}
				if statuses != 7 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status rows=%d want=7", statuses)}
				}
				res.Note = fmt.Sprintf("rows=%d status=%d", len(rows), statuses)
				return res
			},
		},
		{
			Name: "Payment: second confirmation is a no-op",
			Run: func(ctx context.Context, r *Runner) Result {
				if res, ok := r.needOrder(); !ok {
					return res
				}
				tok := r.token("admin", adminID)
				body := map[string]any{"order_id": r.orderID, "source": "cash"}
				if _, res := r.expect(ctx, http.MethodPost, "/api/payments/confirm", tok, body, http.StatusOK); res.Status != "PASS" {
					return res
				}
				out, res := r.expect(ctx, http.MethodPost, "/api/payments/confirm", tok, body, http.StatusOK)
				if res.Status == "PASS" && out["already_confirmed"] != true {
					return Result{Status: "FAIL", Note: "second confirmation applied"}
				}
				return res
			},
		},
		{
			Name: "Stock: insufficient -> 422",
			Run: func(ctx context.Context, r *Runner) Result {
				out, res := r.expect(ctx, http.MethodPost, "/api/orders", r.token("customer", customerID), r.orderBody(1_000_000), http.StatusUnprocessableEntity)
				if res.Status == "PASS" && out["error"] != "INSUFFICIENT_STOCK" {
					return Result{Status: "FAIL", Note: fmt.Sprintf("error=%v", out["error"])}
				}
				return res
			},
		},
		{
			Name:      "Stock: concurrent checkout never oversells",
			Invariant: true,
			Run: func(ctx context.Context, r *Runner) Result {
				return r.checkoutRace(ctx)
			},
		},
		{
			Name:      "Stock: cancel releases reservation",
			Invariant: true,
			Run: func(ctx context.Context, r *Runner) Result {
				return r.cancelRelease(ctx)
			},
		},
		{
			Name: "Stock: manual release only for cancelled orders",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.manualRelease(ctx)
			},
		},
		{
			Name: "Ops: summary",
			Run: func(ctx context.Context, r *Runner) Result {
				out, res := r.expect(ctx, http.MethodGet, "/api/admin/ops/summary", r.token("admin", adminID), nil, http.StatusOK)
				if res.Status == "PASS" {
					res.Note = fmt.Sprintf("active=%v severity=%v mode=%v", out["active"], out["by_severity"], out["dispatch_mode"])
				}
				return res
			},
		},
		{
			Name: "Perf: presence heartbeat throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.perfLoad(ctx, http.MethodPut, "/api/driver/location", r.token("driver", driverBase),
					map[string]any{"lat": 24.7136, "lng": 46.6753})
			},
		},
	}
}

// dispatchRace resolves the READY order in whichever mode the API runs. In
// offer mode every offered driver accepts at once and exactly one may win.
func (r *Runner) dispatchRace(ctx context.Context) Result {
	admin := r.token("admin", adminID)
	out, res := r.expect(ctx, http.MethodGet, fmt.Sprintf("/api/orders/%d", r.orderID), admin, nil, http.StatusOK)
	if res.Status != "PASS" {
		return res
	}
	if out["status"] == "ASSIGNED" {
		r.driverID = int64(out["driver_id"].(float64))
		return Result{Status: "PASS", Note: fmt.Sprintf("auto-assigned driver=%d", r.driverID)}
	}

	type claim struct {
		driver int64
		offer  string
	}
	var claims []claim
	for i := int64(0); i < driverPool; i++ {
		id := driverBase + i
		code, body, _, err := r.call(ctx, http.MethodGet, "/api/driver/offers", r.token("driver", id), nil)
		if err != nil || code != http.StatusOK {
			continue
		}
		offers, _ := body["offers"].([]any)
		for _, o := range offers {
			m := o.(map[string]any)
			if int64(m["order_id"].(float64)) == r.orderID {
				claims = append(claims, claim{driver: id, offer: m["id"].(string)})
			}
		}
	}
	if len(claims) == 0 {
		return Result{Status: "FAIL", Note: "no offers found for order"}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
		losers  int
	)
	for _, c := range claims {
		wg.Add(1)
		go func(c claim) {
			defer wg.Done()
			code, _, _, err := r.call(ctx, http.MethodPost, "/api/driver/offers/"+c.offer+"/accept", r.token("driver", c.driver), nil)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch code {
			case http.StatusOK:
				winners = append(winners, c.driver)
			case http.StatusConflict:
				losers++
			}
		}(c)
	}
	wg.Wait()

	if len(winners) != 1 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("winners=%d offers=%d", len(winners), len(claims))}
	}
	r.driverID = winners[0]
	return Result{Status: "PASS", Note: fmt.Sprintf("offers=%d winner=%d losers=%d", len(claims), r.driverID, losers)}
}

func (r *Runner) checkoutRace(ctx context.Context) Result {
	const stock = 5
	if res := r.setStock(ctx, stock); res.Status != "PASS" {
		return res
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, _, _, err := r.call(ctx, http.MethodPost, "/api/orders", r.token("customer", int64(customerID+1+i)), r.orderBody(1))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch code {
			case http.StatusCreated:
				created++
			case http.StatusUnprocessableEntity:
				rejected++
			}
		}(i)
	}
	wg.Wait()
	_ = r.setStock(ctx, 1000)

	want := min(stock, r.cfg.Concurrency)
	if created != want {
		return Result{Status: "FAIL", Note: fmt.Sprintf("created=%d want=%d rejected=%d", created, want, rejected)}
	}
	return Result{Status: "PASS", Note: fmt.Sprintf("created=%d rejected=%d", created, rejected)}
}

func (r *Runner) cancelRelease(ctx context.Context) Result {
	if res := r.setStock(ctx, 3); res.Status != "PASS" {
		return res
	}
	defer r.setStock(ctx, 1000)

	customer := r.token("customer", customerID)
	out, res := r.expect(ctx, http.MethodPost, "/api/orders", customer, r.orderBody(3), http.StatusCreated)
	if res.Status != "PASS" {
		return res
	}
	id := int64(out["id"].(float64))
	check := fmt.Sprintf("/api/inventory/check?store_id=%d&product_id=%d&quantity=3", r.cfg.StoreID, r.cfg.ProductID)
	if out, res := r.expect(ctx, http.MethodGet, check, customer, nil, http.StatusOK); res.Status != "PASS" || out["available"] != false {
		return Result{Status: "FAIL", Note: "stock not reserved by checkout"}
	}
	if _, res := r.expect(ctx, http.MethodPost, fmt.Sprintf("/api/orders/%d/cancel", id), customer, nil, http.StatusOK); res.Status != "PASS" {
		return res
	}
	out, res = r.expect(ctx, http.MethodGet, check, customer, nil, http.StatusOK)
	if res.Status != "PASS" {
		return res
	}
	if out["available"] != true {
		return Result{Status: "FAIL", Note: "stock not released after cancel"}
	}
	return Result{Status: "PASS", Note: fmt.Sprintf("order=%d", id)}
}

// manualRelease checks the operator unwind: refused while the order is live,
// accepted once it is cancelled.
func (r *Runner) manualRelease(ctx context.Context) Result {
	customer := r.token("customer", customerID)
	admin := r.token("admin", adminID)
	out, res := r.expect(ctx, http.MethodPost, "/api/orders", customer, r.orderBody(1), http.StatusCreated)
	if res.Status != "PASS" {
		return res
	}
	path := fmt.Sprintf("/api/admin/orders/%d/release", int64(out["id"].(float64)))
	if _, res := r.expect(ctx, http.MethodPost, path, admin, nil, http.StatusConflict); res.Status != "PASS" {
		return res
	}
	if _, res := r.expect(ctx, http.MethodPost, fmt.Sprintf("/api/orders/%d/cancel", int64(out["id"].(float64))), customer, nil, http.StatusOK); res.Status != "PASS" {
		return res
	}
	out, res = r.expect(ctx, http.MethodPost, path, admin, nil, http.StatusOK)
	if res.Status == "PASS" {
		res.Note = fmt.Sprintf("released_lines=%v", out["released_lines"])
	}
	return res
}

func (r *Runner) perfLoad(ctx context.Context, method, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count    int64
		errCount int64
		mu       sync.Mutex
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, _, err := r.call(ctx, method, path, token, payload)
				mu.Lock()
				if err != nil || code >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
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
