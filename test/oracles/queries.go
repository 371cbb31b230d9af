package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_no_negative_balances",
			SQL:  `SELECT account, token, amount FROM balances WHERE amount < 0`,
		},
		{
			Name: "O2_released_fully_approved",
			SQL: `SELECT id, buyer_approval, seller_approval, agent_approval, property_verified
                  FROM escrows
                  WHERE state = 'released'
                    AND NOT (buyer_approval AND seller_approval
                             AND (agent_approval OR agent_id IS NULL)
                             AND property_verified)`,
		},
		{
			Name: "O3_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_funded_custody",
			SQL: `SELECT e.id, e.state, e.deposit_amount, COALESCE(b.amount, 0) AS custody
                  FROM escrows e
                  LEFT JOIN balances b ON b.account = 'escrow:' || e.id AND b.token = e.token
                  WHERE e.state IN ('deposited','verified','disputed')
                    AND COALESCE(b.amount, 0) <> e.deposit_amount`,
		},
		{
			Name: "O5_terminal_custody_empty",
			SQL: `SELECT e.id, e.state, b.amount
                  FROM escrows e
                  JOIN balances b ON b.account = 'escrow:' || e.id AND b.token = e.token
                  WHERE e.state IN ('released','refunded','cancelled') AND b.amount <> 0`,
		},
		{
			Name: "O6_approvals_only_after_funding",
			SQL: `SELECT id, state FROM escrows
                  WHERE state IN ('created','cancelled')
                    AND (buyer_approval OR seller_approval OR agent_approval)`,
		},
		{
			Name: "O7_event_per_transition",
			SQL: `SELECT e.id, e.state FROM escrows e
                  WHERE e.state <> 'created'
                    AND NOT EXISTS (SELECT 1 FROM timeline_events t
                                    WHERE t.escrow_id = e.id AND t.seq > 1)`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
