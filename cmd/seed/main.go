package main

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/hackgods/onsite-therapy-scheduling/internal/appointment"
	"github.com/hackgods/onsite-therapy-scheduling/internal/auth"
	"github.com/hackgods/onsite-therapy-scheduling/internal/config"
	"github.com/hackgods/onsite-therapy-scheduling/internal/db"
	"github.com/hackgods/onsite-therapy-scheduling/internal/logging"
)

const (
	companyCount      = 5
	therapistCount    = 10
	employeesPerCo    = 20
	slotDays          = 14
	tokenTTL          = 24 * time.Hour
	firstSlotHour     = 10
	slotsPerDay       = 4
	slotGapHours      = 2
	slotLengthMinutes = 60
)

type seeded struct {
	admin      uuid.UUID
	therapists []uuid.UUID
	companies  []uuid.UUID
	reps       map[uuid.UUID]uuid.UUID // company -> company user
	menus      []uuid.UUID
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}
	logger := logging.New(cfg.Env).Named("seed")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := gofakeit.Seed(time.Now().UnixNano()); err != nil {
		logger.Fatal("seed faker", zap.Error(err))
	}

	var s seeded
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := seedDirectory(ctx, tx, &s); err != nil {
			return fmt.Errorf("seed directory: %w", err)
		}
		if err := seedSlots(ctx, tx, &s, cfg.Booking.Location); err != nil {
			return fmt.Errorf("seed slots: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}
	logger.Info("seed complete",
		zap.Int("companies", len(s.companies)),
		zap.Int("therapists", len(s.therapists)),
		zap.Int("menus", len(s.menus)),
	)

	printTokens(cfg.JWTSecret, &s, logger)
}

func seedDirectory(ctx context.Context, tx pgx.Tx, s *seeded) error {
	s.reps = make(map[uuid.UUID]uuid.UUID, companyCount)

	menus := []struct {
		name    string
		minutes int
	}{
		{"Shoulder and neck release", 30},
		{"Lower back treatment", 60},
		{"Full body relaxation", 60},
	}
	for _, m := range menus {
		id := uuid.New()
		if _, err := tx.Exec(ctx, `
			INSERT INTO service_menus (id, name, duration_minutes) VALUES ($1, $2, $3)
		`, id, m.name, m.minutes); err != nil {
			return err
		}
		s.menus = append(s.menus, id)
	}

	var err error
	if s.admin, err = insertUser(ctx, tx, appointment.RoleAdmin, nil); err != nil {
		return err
	}
	for i := 0; i < therapistCount; i++ {
		id, err := insertUser(ctx, tx, appointment.RoleTherapist, nil)
		if err != nil {
			return err
		}
		s.therapists = append(s.therapists, id)
	}

	for i := 0; i < companyCount; i++ {
		companyID := uuid.New()
		if _, err := tx.Exec(ctx, `INSERT INTO companies (id, name) VALUES ($1, $2)`, companyID, gofakeit.Company()); err != nil {
			return err
		}
		s.companies = append(s.companies, companyID)

		rep, err := insertUser(ctx, tx, appointment.RoleCompanyUser, &companyID)
		if err != nil {
			return err
		}
		s.reps[companyID] = rep

		for j := 0; j < employeesPerCo; j++ {
			if _, err := insertUser(ctx, tx, appointment.RoleEmployee, &companyID); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertUser(ctx context.Context, tx pgx.Tx, role appointment.Role, companyID *uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := tx.Exec(ctx, `
		INSERT INTO users (id, display_name, email, role, company_id)
		VALUES ($1, $2, $3, $4, $5)
	`, id, gofakeit.Name(), gofakeit.Email(), string(role), companyID)
	return id, err
}

// seedSlots gives every therapist a few non-overlapping slots per day,
// starting tomorrow in the booking timezone. Roughly one in four slots is
// reserved for a single company.
func seedSlots(ctx context.Context, tx pgx.Tx, s *seeded, loc *time.Location) error {
	now := time.Now().In(loc)
	batch := &pgx.Batch{}

	for _, therapist := range s.therapists {
		for day := 1; day <= slotDays; day++ {
			for n := 0; n < slotsPerDay; n++ {
				start := time.Date(now.Year(), now.Month(), now.Day()+day, firstSlotHour+n*slotGapHours, 0, 0, 0, loc)
				end := start.Add(slotLengthMinutes * time.Minute)

				var companyID *uuid.UUID
				if gofakeit.Number(1, 4) == 1 {
					c := s.companies[gofakeit.Number(0, len(s.companies)-1)]
					companyID = &c
				}
				batch.Queue(`
					INSERT INTO slots (id, therapist_id, service_menu_id, company_id, start_time, end_time)
					VALUES ($1, $2, $3, $4, $5, $6)
				`, uuid.New(), therapist, s.menus[gofakeit.Number(0, len(s.menus)-1)], companyID, start, end)
			}
		}
	}

	return tx.SendBatch(ctx, batch).Close()
}

func printTokens(secret string, s *seeded, logger *zap.Logger) {
	mint := func(actor appointment.Actor) string {
		tok, err := auth.NewToken(secret, actor, tokenTTL)
		if err != nil {
			logger.Fatal("mint token", zap.Error(err))
		}
		return tok
	}

	fmt.Printf("admin         %s\n", mint(appointment.Actor{UserID: s.admin, Role: appointment.RoleAdmin}))
	fmt.Printf("therapist     %s\n", mint(appointment.Actor{UserID: s.therapists[0], Role: appointment.RoleTherapist}))
	company := s.companies[0]
	fmt.Printf("company_user  %s\n", mint(appointment.Actor{UserID: s.reps[company], Role: appointment.RoleCompanyUser, CompanyID: &company}))
}
