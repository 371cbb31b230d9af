package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"propescrow/escrow"
	"propescrow/ledger"
	"propescrow/outbox"
	"propescrow/test/actors"
	"propescrow/test/chaos"
	"propescrow/test/infra"
	"propescrow/test/oracles"
	"propescrow/token"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const (
	stressToken  = "STRS"
	buyerFunding = int64(50_000_000)
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("ESCROW_STRESS_PG_DSN") != "":
		dsn = os.Getenv("ESCROW_STRESS_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	parties := mustSeed(t, ctx, pool)

	svc := escrow.NewService(pool, escrow.NewRepository(pool), ledger.NewRepository(pool), outbox.NewWriter(), token.NewRepository(pool), escrow.Config{
		PlatformAccount:   "platform",
		MaxPlatformFeeBps: 500,
	})

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, svc, parties, stressToken, stop) })
		g.Go(func() error { return actors.Depositor(ctx2, svc, pool, parties, stop) })
	}

	g.Go(func() error { return actors.Verifier(ctx2, svc, pool, parties, stop) })
	g.Go(func() error { return actors.Approver(ctx2, svc, pool, parties.Buyer, escrow.RoleBuyer, stop) })
	g.Go(func() error { return actors.Approver(ctx2, svc, pool, parties.Seller, escrow.RoleSeller, stop) })
	g.Go(func() error { return actors.Approver(ctx2, svc, pool, parties.Agent, escrow.RoleAgent, stop) })
	g.Go(func() error { return actors.Releaser(ctx2, svc, pool, parties.Seller, stop) })
	g.Go(func() error { return actors.Releaser(ctx2, svc, pool, parties.Buyer, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, svc, pool, parties, stop) })
	g.Go(func() error { return actors.Refunder(ctx2, svc, pool, parties.Admin, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) actors.Parties {
	t.Helper()

	seedUser := func(name string) string {
		var id string
		err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name) VALUES ($1,$2) RETURNING id::text`,
			fmt.Sprintf("%s-%d@example.com", name, rand.Int63()), name).Scan(&id)
		if err != nil {
			t.Fatalf("seed user %s: %v", name, err)
		}
		return id
	}

	parties := actors.Parties{
		Buyer:   escrow.Identity{UserID: seedUser("stress-buyer")},
		Seller:  escrow.Identity{UserID: seedUser("stress-seller")},
		Agent:   escrow.Identity{UserID: seedUser("stress-agent")},
		Arbiter: escrow.Identity{UserID: seedUser("stress-arbiter")},
		Admin:   escrow.Identity{UserID: seedUser("stress-admin"), Admin: true},
	}

	if _, err := pool.Exec(ctx, `INSERT INTO tokens (symbol, name, whitelisted) VALUES ($1, 'Stress Token', true)
                                 ON CONFLICT (symbol) DO UPDATE SET whitelisted = true`, stressToken); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	if err := ledger.NewRepository(pool).Mint(ctx, stressToken, parties.Buyer.UserID, buyerFunding); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}

	return parties
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrows", `SELECT id, state, deposit_amount, buyer_approval, seller_approval, agent_approval, property_verified FROM escrows ORDER BY id DESC LIMIT 50`},
		{"timeline_events", `SELECT id, escrow_id, seq, type, ts FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"balances", `SELECT account, token, amount FROM balances ORDER BY account LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
