package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/auth"
	"github.com/hackgods/onsite-therapy-scheduling/internal/config"
	"github.com/hackgods/onsite-therapy-scheduling/internal/db"
	"github.com/hackgods/onsite-therapy-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	ReserveRatio float64
	CancelRatio  float64
	ReadRatio    float64
	HotSlots     int // reservations only target this many slots, to force races
	RepLimit     int
	PostgresDSN  string
	JWTSecret    string
}

type rep struct {
	token     string
	companyID uuid.UUID
}

type booking struct {
	id    uuid.UUID
	token string
}

type DataPool struct {
	Reps  []rep
	Slots map[uuid.UUID][]uuid.UUID // company -> slots that company may book

	mu       sync.RWMutex
	bookings []booking
}

func (dp *DataPool) AddBooking(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

// TakeBooking removes and returns a random booking so it is cancelled at most once.
func (dp *DataPool) TakeBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	idx := rng.Intn(len(dp.bookings))
	b := dp.bookings[idx]
	dp.bookings[idx] = dp.bookings[len(dp.bookings)-1]
	dp.bookings = dp.bookings[:len(dp.bookings)-1]
	return b, true
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Refused   int64 // 409 or 422
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		atomic.AddInt64(&om.Refused, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	percentile := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], percentile(50), percentile(95)
}

type Metrics struct {
	Reserve          OperationMetrics
	Cancel           OperationMetrics
	ListSlots        OperationMetrics
	ListAppointments OperationMetrics
	GetByID          OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  *zap.Logger
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		zap.NewExample().Fatal("invalid config", zap.Error(err))
	}
	logger := logging.New("dev").Named("simulate")
	defer func() { _ = logger.Sync() }()

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("reserve", cfg.ReserveRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio),
		zap.Int("hot_slots", cfg.HotSlots),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("data loaded", zap.Int("company_users", len(dataPool.Reps)), zap.Int("companies_with_slots", len(dataPool.Slots)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()

	auditCtx, cancelAudit := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelAudit()
	if err := auditOneActivePerSlot(auditCtx, pgPool); err != nil {
		logger.Error("audit failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Println("AUDIT: every slot has at most one pending/approved appointment")
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 16),
		ReserveRatio: getFloat("SIM_RESERVE_RATIO", 0.5),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.15),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.35),
		HotSlots:     getInt("SIM_HOT_SLOTS", 20),
		RepLimit:     getInt("SIM_REP_LIMIT", 50),
		PostgresDSN:  baseCfg.PostgresDSN,
		JWTSecret:    baseCfg.JWTSecret,
	}

	total := cfg.ReserveRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.ReserveRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 {
		return cfg, fmt.Errorf("SIM_HOT_SLOTS must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{Slots: map[uuid.UUID][]uuid.UUID{}}

	rows, err := pool.Query(ctx, `
		SELECT id, company_id FROM users
		WHERE role = 'company_user' AND company_id IS NOT NULL
		LIMIT $1
	`, cfg.RepLimit)
	if err != nil {
		return nil, fmt.Errorf("load company users: %w", err)
	}
	for rows.Next() {
		var userID, companyID uuid.UUID
		if err := rows.Scan(&userID, &companyID); err != nil {
			rows.Close()
			return nil, err
		}
		token, err := auth.NewToken(cfg.JWTSecret, appointment.Actor{
			UserID:    userID,
			Role:      appointment.RoleCompanyUser,
			CompanyID: &companyID,
		}, cfg.Duration+time.Hour)
		if err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Reps = append(dataPool.Reps, rep{token: token, companyID: companyID})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A small hot set per company keeps many workers fighting over the same slots.
	for _, r := range dataPool.Reps {
		if _, done := dataPool.Slots[r.companyID]; done {
			continue
		}
		rows, err := pool.Query(ctx, `
			SELECT id FROM slot_states
			WHERE status = 'available'
			  AND start_time > now() + interval '1 day'
			  AND (company_id IS NULL OR company_id = $1)
			ORDER BY start_time
			LIMIT $2
		`, r.companyID, cfg.HotSlots)
		if err != nil {
			return nil, fmt.Errorf("load slots: %w", err)
		}
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		dataPool.Slots[r.companyID] = ids
	}

	if len(dataPool.Reps) == 0 {
		return nil, fmt.Errorf("no company users loaded; run seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.ReserveRatio:
			s.doReserve(ctx, rng)
		case r < s.config.ReserveRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doListSlots(ctx, rng)
			case 1:
				s.doListAppointments(ctx, rng)
			case 2:
				s.doGetByID(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doReserve(ctx context.Context, rng *rand.Rand) {
	r := s.pool.Reps[rng.Intn(len(s.pool.Reps))]
	slots := s.pool.Slots[r.companyID]
	if len(slots) == 0 {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"slot_id":       slots[rng.Intn(len(slots))],
		"employee_name": fmt.Sprintf("Employee %d", rng.Intn(1000)),
		"symptoms":      []string{"stiff shoulders"},
	})

	start := time.Now()
	status, respBody := s.call(ctx, http.MethodPost, "/appointments", r.token, body)
	s.metrics.Reserve.Record(time.Since(start), status)

	if status == http.StatusCreated {
		var created struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(respBody, &created) == nil && created.ID != uuid.Nil {
			s.pool.AddBooking(booking{id: created.ID, token: r.token})
		}
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeBooking(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, _ := s.call(ctx, http.MethodPost, "/appointments/"+b.id.String()+"/cancel", b.token, nil)
	s.metrics.Cancel.Record(time.Since(start), status)
}

func (s *Simulator) doListSlots(ctx context.Context, rng *rand.Rand) {
	r := s.pool.Reps[rng.Intn(len(s.pool.Reps))]

	start := time.Now()
	status, _ := s.call(ctx, http.MethodGet, "/slots?status=available&limit=20", r.token, nil)
	s.metrics.ListSlots.Record(time.Since(start), status)
}

func (s *Simulator) doListAppointments(ctx context.Context, rng *rand.Rand) {
	r := s.pool.Reps[rng.Intn(len(s.pool.Reps))]

	start := time.Now()
	status, _ := s.call(ctx, http.MethodGet, "/appointments?limit=20&offset=0", r.token, nil)
	s.metrics.ListAppointments.Record(time.Since(start), status)
}

func (s *Simulator) doGetByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, _ := s.call(ctx, http.MethodGet, "/appointments/"+b.id.String(), b.token, nil)
	s.metrics.GetByID.Record(time.Since(start), status)
}

// call returns status 0 when the request never got a response.
func (s *Simulator) call(ctx context.Context, method, path, token string, body []byte) (int, []byte) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody
}

// auditOneActivePerSlot fails if any slot ended up with two live appointments.
func auditOneActivePerSlot(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT slot_id FROM appointments
			WHERE status IN ('pending', 'approved')
			GROUP BY slot_id
			HAVING count(*) > 1
		) dup
	`).Scan(&violations)
	if err != nil {
		return fmt.Errorf("run audit query: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("%d slots hold more than one active appointment", violations)
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List slots", &s.metrics.ListSlots)
	printOperationReport("List appointments", &s.metrics.ListAppointments)
	printOperationReport("Get by ID", &s.metrics.GetByID)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	refused := atomic.LoadInt64(&om.Refused)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if refused > 0 {
		fmt.Printf("  Refused: %d (%.1f%%)\n", refused, float64(refused)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
