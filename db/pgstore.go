package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/moldtank/mt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps MoldTank state in Postgres. Every multi-row write runs in a
// single transaction with the affected rows locked FOR UPDATE.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ mt.Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

const bountyColumns = `id, poster_id, poster_wallet, title, description, amount, platform_fee,
	winner_payout, deadline, status, escrow_status, escrow_tx_hash, criteria_type, criteria_spec,
	submission_count, winner_id, winning_submission_id, created_at, updated_at`

func scanBounty(row scanner) (*mt.Bounty, error) {
	var (
		b                   mt.Bounty
		amount, fee, payout int64
		spec                []byte
	)
	err := row.Scan(&b.ID, &b.PosterID, &b.PosterWallet, &b.Title, &b.Description, &amount, &fee,
		&payout, &b.Deadline, &b.Status, &b.EscrowStatus, &b.EscrowTxHash, &b.Criteria.Type, &spec,
		&b.SubmissionCount, &b.WinnerID, &b.WinningSubmissionID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Amount, b.PlatformFee, b.WinnerPayout = usdc(amount), usdc(fee), usdc(payout)
	b.Criteria.Spec = spec
	return &b, nil
}

func (s *PGStore) CreateBounty(ctx context.Context, b *mt.Bounty) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bounties (`+bountyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		b.ID, b.PosterID, b.PosterWallet, b.Title, b.Description, b.Amount.Int64(), b.PlatformFee.Int64(),
		b.WinnerPayout.Int64(), b.Deadline, b.Status, b.EscrowStatus, b.EscrowTxHash, b.Criteria.Type,
		jsonArg(b.Criteria.Spec), b.SubmissionCount, b.WinnerID, b.WinningSubmissionID, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bounty %s: %w", b.ID, mt.ErrConflict)
		}
		return fmt.Errorf("insert bounty: %w", err)
	}
	return nil
}

func (s *PGStore) GetBounty(ctx context.Context, id string) (*mt.Bounty, error) {
	return getBounty(ctx, s.pool, id, false)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBounty(ctx context.Context, q querier, id string, lock bool) (*mt.Bounty, error) {
	sql := `SELECT ` + bountyColumns + ` FROM bounties WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	b, err := scanBounty(q.QueryRow(ctx, sql, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("bounty %s: %w", id, mt.ErrNotFound)
		}
		return nil, fmt.Errorf("get bounty: %w", err)
	}
	return b, nil
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) page(p mt.Page) string {
	p = p.Normalize()
	return fmt.Sprintf(" LIMIT %d OFFSET %d", p.Limit, p.Offset())
}

func (s *PGStore) ListBounties(ctx context.Context, f mt.BountyFilter) ([]*mt.Bounty, int, error) {
	var w where
	if len(f.Statuses) > 0 {
		w.add("status = ANY(?)", stringsOf(f.Statuses))
	}
	if f.Type != "" {
		w.add("criteria_type = ?", f.Type)
	}
	if f.PosterID != "" {
		w.add("poster_id = ?", f.PosterID)
	}
	if f.DeadlineBefore != nil {
		w.add("deadline < ?", *f.DeadlineBefore)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM bounties`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count bounties: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+bountyColumns+` FROM bounties`+w.String()+
		` ORDER BY created_at DESC, seq DESC`+w.page(f.Page), w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list bounties: %w", err)
	}
	defer rows.Close()
	out := []*mt.Bounty{}
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan bounty: %w", err)
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (s *PGStore) TransitionBounty(ctx context.Context, id string, guard mt.BountyGuard, update mt.BountyUpdate) (*mt.Bounty, error) {
	var out *mt.Bounty
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBounty(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !guard.Matches(b) {
			return fmt.Errorf("bounty %s (%s/%s): %w", id, b.Status, b.EscrowStatus, mt.ErrGuardFailed)
		}
		update.Apply(b, s.now())
		if _, err := tx.Exec(ctx, `UPDATE bounties SET status = $2, escrow_status = $3, escrow_tx_hash = $4,
			updated_at = $5 WHERE id = $1`, b.ID, b.Status, b.EscrowStatus, b.EscrowTxHash, b.UpdatedAt); err != nil {
			return fmt.Errorf("update bounty: %w", err)
		}
		out = b
		return nil
	})
	return out, err
}

const agentColumns = `id, name, description, wallet_address, status, capabilities, payment_endpoint,
	bounties_attempted, bounties_won, total_earnings, last_active_at, created_at`

func scanAgent(row scanner) (*mt.Agent, error) {
	var (
		a        mt.Agent
		caps     []string
		earnings int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.WalletAddress, &a.Status, &caps, &a.PaymentEndpoint,
		&a.BountiesAttempted, &a.BountiesWon, &earnings, &a.LastActiveAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Capabilities = make([]mt.TaskType, len(caps))
	for i, c := range caps {
		a.Capabilities[i] = mt.TaskType(c)
	}
	a.TotalEarnings = usdc(earnings)
	a.WinRate = winRate(a.BountiesWon, a.BountiesAttempted)
	return &a, nil
}

func (s *PGStore) CreateAgent(ctx context.Context, a *mt.Agent) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.Name, a.Description, a.WalletAddress, a.Status, stringsOf(a.Capabilities), a.PaymentEndpoint,
		a.BountiesAttempted, a.BountiesWon, a.TotalEarnings.Int64(), a.LastActiveAt, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent %s: %w", a.ID, mt.ErrConflict)
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *PGStore) getAgentBy(ctx context.Context, q querier, column, value string, lock bool) (*mt.Agent, error) {
	sql := `SELECT ` + agentColumns + ` FROM agents WHERE ` + column + ` = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	a, err := scanAgent(q.QueryRow(ctx, sql, value))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("agent %s: %w", value, mt.ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *PGStore) GetAgent(ctx context.Context, id string) (*mt.Agent, error) {
	return s.getAgentBy(ctx, s.pool, "id", id, false)
}

func (s *PGStore) GetAgentByWallet(ctx context.Context, wallet string) (*mt.Agent, error) {
	return s.getAgentBy(ctx, s.pool, "wallet_address", wallet, false)
}

func (s *PGStore) ListAgents(ctx context.Context, f mt.AgentFilter) ([]*mt.Agent, int, error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.Capability != "" {
		w.add("? = ANY(capabilities)", string(f.Capability))
	}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM agents`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count agents: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents`+w.String()+
		` ORDER BY bounties_won DESC, seq`+w.page(f.Page), w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	out := []*mt.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (s *PGStore) SetAgentStatus(ctx context.Context, id string, from []mt.AgentStatus, to mt.AgentStatus) (*mt.Agent, error) {
	var out *mt.Agent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		a, err := s.getAgentBy(ctx, tx, "id", id, true)
		if err != nil {
			return err
		}
		if len(from) > 0 && !containsStatus(from, a.Status) {
			return fmt.Errorf("agent %s is %s: %w", id, a.Status, mt.ErrGuardFailed)
		}
		if _, err := tx.Exec(ctx, `UPDATE agents SET status = $2 WHERE id = $1`, id, to); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		a.Status = to
		out = a
		return nil
	})
	return out, err
}

func containsStatus(list []mt.AgentStatus, s mt.AgentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

const submissionColumns = `id, bounty_id, agent_id, payload_type, payload_data, payload_hash, signature,
	status, result, submitted_at, validation_started_at, validated_at`

func scanSubmission(row scanner) (*mt.Submission, error) {
	var (
		sub         mt.Submission
		payloadType string
		data        []byte
		result      []byte
	)
	err := row.Scan(&sub.ID, &sub.BountyID, &sub.AgentID, &payloadType, &data, &sub.PayloadHash, &sub.Signature,
		&sub.Status, &result, &sub.Timestamp, &sub.ValidationStartedAt, &sub.ValidatedAt)
	if err != nil {
		return nil, err
	}
	sub.Payload = &mt.Payload{Type: mt.TaskType(payloadType), Data: data}
	if len(result) > 0 {
		var r mt.ValidationResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode result for submission %s: %w", sub.ID, err)
		}
		sub.Result = &r
	}
	return &sub, nil
}

func resultArg(r *mt.ValidationResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

func (s *PGStore) InsertSubmission(ctx context.Context, sub *mt.Submission) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// the bounty row lock serializes inserts for one bounty
		b, err := getBounty(ctx, tx, sub.BountyID, true)
		if err != nil {
			return err
		}
		if _, err := s.getAgentBy(ctx, tx, "id", sub.AgentID, true); err != nil {
			return err
		}
		var dup bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE bounty_id = $1 AND agent_id = $2)`,
			sub.BountyID, sub.AgentID).Scan(&dup); err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if dup {
			return fmt.Errorf("bounty %s agent %s: %w", sub.BountyID, sub.AgentID, mt.ErrDuplicateSubmission)
		}
		if !b.Status.AcceptsSubmissions() {
			return fmt.Errorf("bounty %s is %s: %w", b.ID, b.Status, mt.ErrBountyClosed)
		}

		var payloadType mt.TaskType
		var data []byte
		if sub.Payload != nil {
			payloadType, data = sub.Payload.Type, sub.Payload.Data
		}
		_, err = tx.Exec(ctx, `INSERT INTO submissions (id, bounty_id, agent_id, payload_type, payload_data,
			payload_hash, signature, status, submitted_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			sub.ID, sub.BountyID, sub.AgentID, payloadType, jsonArg(data), sub.PayloadHash, sub.Signature,
			mt.SubmissionStatusPending, sub.Timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("bounty %s agent %s: %w", sub.BountyID, sub.AgentID, mt.ErrDuplicateSubmission)
			}
			return fmt.Errorf("insert submission: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE bounties SET submission_count = submission_count + 1,
			status = CASE WHEN status = $2 THEN $3 ELSE status END, updated_at = $4 WHERE id = $1`,
			b.ID, mt.BountyStatusOpen, mt.BountyStatusInProgress, sub.Timestamp); err != nil {
			return fmt.Errorf("update bounty counters: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE agents SET bounties_attempted = bounties_attempted + 1,
			last_active_at = $2 WHERE id = $1`, sub.AgentID, sub.Timestamp); err != nil {
			return fmt.Errorf("update agent counters: %w", err)
		}
		sub.Status = mt.SubmissionStatusPending
		return nil
	})
}

func (s *PGStore) getSubmission(ctx context.Context, q querier, id string, lock bool) (*mt.Submission, error) {
	sql := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	sub, err := scanSubmission(q.QueryRow(ctx, sql, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("submission %s: %w", id, mt.ErrNotFound)
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PGStore) GetSubmission(ctx context.Context, id string) (*mt.Submission, error) {
	return s.getSubmission(ctx, s.pool, id, false)
}

func (s *PGStore) ListSubmissions(ctx context.Context, f mt.SubmissionFilter) ([]*mt.Submission, int, error) {
	var w where
	if f.BountyID != "" {
		w.add("bounty_id = ?", f.BountyID)
	}
	if f.AgentID != "" {
		w.add("agent_id = ?", f.AgentID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM submissions`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+submissionColumns+` FROM submissions`+w.String()+
		` ORDER BY submitted_at, seq`+w.page(f.Page), w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	out := []*mt.Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan submission: %w", err)
		}
		if !f.IncludePayload {
			sub.Redact()
		}
		out = append(out, sub)
	}
	return out, total, rows.Err()
}

func (s *PGStore) CountSubmissions(ctx context.Context, bountyID, agentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM submissions
		WHERE bounty_id = $1 AND ($2 = '' OR agent_id = $2)`, bountyID, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

func (s *PGStore) ClaimNextPending(ctx context.Context, now time.Time) (*mt.Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `UPDATE submissions SET status = $1, validation_started_at = $2
		WHERE id = (
			SELECT id FROM submissions WHERE status = $3
			ORDER BY submitted_at, seq LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING `+submissionColumns,
		mt.SubmissionStatusValidating, now, mt.SubmissionStatusPending))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("pending submission: %w", mt.ErrNotFound)
		}
		return nil, fmt.Errorf("claim submission: %w", err)
	}
	return sub, nil
}

func (s *PGStore) RequeueStale(ctx context.Context, startedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE submissions SET status = $1, validation_started_at = NULL
		WHERE status = $2 AND (validation_started_at IS NULL OR validation_started_at < $3)`,
		mt.SubmissionStatusPending, mt.SubmissionStatusValidating, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale submissions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// guardedSubmissionUpdate runs a conditional UPDATE ... RETURNING and tells a
// missing row apart from a failed guard.
func (s *PGStore) guardedSubmissionUpdate(ctx context.Context, id, sql string, args ...any) (*mt.Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, sql+` RETURNING `+submissionColumns, args...))
	if err == nil {
		return sub, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("update submission: %w", err)
	}
	current, err := s.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("submission %s is %s: %w", id, current.Status, mt.ErrGuardFailed)
}

func (s *PGStore) RequeueSubmission(ctx context.Context, id string) (*mt.Submission, error) {
	return s.guardedSubmissionUpdate(ctx, id, `UPDATE submissions SET status = $2, result = NULL,
		validation_started_at = NULL, validated_at = NULL WHERE id = $1 AND status = $3`,
		id, mt.SubmissionStatusPending, mt.SubmissionStatusFailed)
}

func (s *PGStore) FinishSubmission(ctx context.Context, id string, status mt.SubmissionStatus, result *mt.ValidationResult, at time.Time) (*mt.Submission, error) {
	if status != mt.SubmissionStatusFailed && status != mt.SubmissionStatusRejected {
		return nil, fmt.Errorf("cannot finish submission as %s", status)
	}
	res, err := resultArg(result)
	if err != nil {
		return nil, err
	}
	return s.guardedSubmissionUpdate(ctx, id, `UPDATE submissions SET status = $2, result = $3, validated_at = $4
		WHERE id = $1 AND status = $5`, id, status, res, at, mt.SubmissionStatusValidating)
}

func (s *PGStore) AwardWinner(ctx context.Context, bountyID, submissionID string, result *mt.ValidationResult, at time.Time) (*mt.Bounty, error) {
	res, err := resultArg(result)
	if err != nil {
		return nil, err
	}
	var out *mt.Bounty
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := getBounty(ctx, tx, bountyID, true)
		if err != nil {
			return err
		}
		sub, err := s.getSubmission(ctx, tx, submissionID, true)
		if err != nil {
			return err
		}
		if sub.BountyID != bountyID {
			return fmt.Errorf("submission %s: %w", submissionID, mt.ErrNotFound)
		}
		if sub.Status != mt.SubmissionStatusValidating {
			return fmt.Errorf("submission %s is %s: %w", submissionID, sub.Status, mt.ErrGuardFailed)
		}
		if b.WinnerID != "" {
			return fmt.Errorf("bounty %s: %w", bountyID, mt.ErrWinnerExists)
		}
		if !b.Status.AcceptsSubmissions() {
			return fmt.Errorf("bounty %s is %s: %w", bountyID, b.Status, mt.ErrBountyClosed)
		}

		if _, err := tx.Exec(ctx, `UPDATE submissions SET status = $2, result = $3, validated_at = $4 WHERE id = $1`,
			submissionID, mt.SubmissionStatusPassed, res, at); err != nil {
			return fmt.Errorf("mark submission passed: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE bounties SET status = $2, winner_id = $3, winning_submission_id = $4,
			updated_at = $5 WHERE id = $1`, bountyID, mt.BountyStatusCompleted, sub.AgentID, submissionID, at); err != nil {
			return fmt.Errorf("complete bounty: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE agents SET bounties_won = bounties_won + 1 WHERE id = $1`, sub.AgentID); err != nil {
			return fmt.Errorf("credit winner: %w", err)
		}
		b.Status = mt.BountyStatusCompleted
		b.WinnerID = sub.AgentID
		b.WinningSubmissionID = submissionID
		b.UpdatedAt = at
		out = b
		return nil
	})
	return out, err
}

const paymentColumns = `id, bounty_id, submission_id, winner_id, gross, fee, net, chain, asset, pay_to,
	status, tx_hash, last_error, attempts, created_at, updated_at`

func scanPayment(row scanner) (*mt.Payment, error) {
	var (
		p               mt.Payment
		gross, fee, net int64
	)
	err := row.Scan(&p.ID, &p.BountyID, &p.SubmissionID, &p.WinnerID, &gross, &fee, &net, &p.Chain, &p.Asset,
		&p.PayTo, &p.Status, &p.TxHash, &p.LastError, &p.Attempts, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Gross, p.Fee, p.Net = usdc(gross), usdc(fee), usdc(net)
	return &p, nil
}

func (s *PGStore) CreatePayment(ctx context.Context, p *mt.Payment) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := getBounty(ctx, tx, p.BountyID, true); err != nil {
			return err
		}
		var prior, pending int
		if err := tx.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE status = $2)
			FROM payments WHERE bounty_id = $1`, p.BountyID, mt.PaymentStatusPending).Scan(&prior, &pending); err != nil {
			return fmt.Errorf("count payments: %w", err)
		}
		if pending > 0 {
			return fmt.Errorf("bounty %s: %w", p.BountyID, mt.ErrPaymentPending)
		}
		attempts := prior + 1
		_, err := tx.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			p.ID, p.BountyID, p.SubmissionID, p.WinnerID, p.Gross.Int64(), p.Fee.Int64(), p.Net.Int64(),
			p.Chain, p.Asset, p.PayTo, mt.PaymentStatusPending, p.TxHash, p.LastError, attempts, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("bounty %s: %w", p.BountyID, mt.ErrPaymentPending)
			}
			return fmt.Errorf("insert payment: %w", err)
		}
		p.Status = mt.PaymentStatusPending
		p.Attempts = attempts
		return nil
	})
}

func (s *PGStore) getPayment(ctx context.Context, q querier, id string, lock bool) (*mt.Payment, error) {
	sql := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	p, err := scanPayment(q.QueryRow(ctx, sql, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("payment %s: %w", id, mt.ErrNotFound)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetPayment(ctx context.Context, id string) (*mt.Payment, error) {
	return s.getPayment(ctx, s.pool, id, false)
}

func (s *PGStore) ListPayments(ctx context.Context, bountyID string) ([]*mt.Payment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE bounty_id = $1 ORDER BY attempts`, bountyID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var out []*mt.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) FailPayment(ctx context.Context, id, reason string, at time.Time) (*mt.Payment, error) {
	var out *mt.Payment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.getPayment(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if p.Status != mt.PaymentStatusPending {
			return fmt.Errorf("payment %s is %s: %w", id, p.Status, mt.ErrGuardFailed)
		}
		if _, err := tx.Exec(ctx, `UPDATE payments SET status = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
			id, mt.PaymentStatusFailed, reason, at); err != nil {
			return fmt.Errorf("fail payment: %w", err)
		}
		p.Status, p.LastError, p.UpdatedAt = mt.PaymentStatusFailed, reason, at
		out = p
		return nil
	})
	return out, err
}

func (s *PGStore) SettlePayment(ctx context.Context, id, txHash string, at time.Time) (*mt.Payment, error) {
	var out *mt.Payment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := s.getPayment(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if p.Status != mt.PaymentStatusPending {
			return fmt.Errorf("payment %s is %s: %w", id, p.Status, mt.ErrGuardFailed)
		}
		b, err := getBounty(ctx, tx, p.BountyID, true)
		if err != nil {
			return err
		}
		if b.EscrowStatus != mt.EscrowStatusConfirmed {
			return fmt.Errorf("bounty %s escrow is %s: %w", b.ID, b.EscrowStatus, mt.ErrGuardFailed)
		}
		tag, err := tx.Exec(ctx, `UPDATE agents SET total_earnings = total_earnings + $2 WHERE id = $1`, p.WinnerID, p.Net.Int64())
		if err != nil {
			return fmt.Errorf("credit earnings: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("agent %s: %w", p.WinnerID, mt.ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `UPDATE payments SET status = $2, tx_hash = $3, updated_at = $4 WHERE id = $1`,
			id, mt.PaymentStatusConfirmed, txHash, at); err != nil {
			return fmt.Errorf("confirm payment: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE bounties SET escrow_status = $2, updated_at = $3 WHERE id = $1`,
			b.ID, mt.EscrowStatusReleased, at); err != nil {
			return fmt.Errorf("release escrow: %w", err)
		}
		p.Status, p.TxHash, p.UpdatedAt = mt.PaymentStatusConfirmed, txHash, at
		out = p
		return nil
	})
	return out, err
}
