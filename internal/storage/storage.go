// Package storage is the relational persistence layer: statements,
// opinions and the node's own private key, backed by a pure-Go sqlite
// database behind a single reader/writer lock.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"github.com/reputation-net/node/internal/errs"
	"github.com/reputation-net/node/internal/model"
)

// OwnKey is the node's single long-lived signing identity.
type OwnKey struct {
	Signer  model.Id[model.Statement]
	Level   uint8
	KeyPair model.KeyPair
}

// Storage guards the database behind a single RWMutex: reads take the
// read lock, every mutation (persist, opinion overwrite, cleanup) takes
// the write lock, matching the single-writer/multi-reader model.
type Storage struct {
	mu  sync.RWMutex
	db  *sql.DB
	log *logrus.Entry

	templates map[int64]model.TemplateEntity
	signers   map[int64]model.PublicKey

	ownKey *OwnKey
}

// Open opens (creating if absent) the sqlite database at dsn, applies
// pending migrations, inserts the bootstrap templates and the node's own
// key on first run, and loads the template/signer caches.
func Open(ctx context.Context, dsn string, log *logrus.Logger) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.New(errs.Fatal, "storage.Open", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY under our own RWMutex
	if _, err := db.ExecContext(ctx, "pragma foreign_keys = on"); err != nil {
		return nil, errs.New(errs.Fatal, "storage.Open", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		return nil, errs.New(errs.Fatal, "storage.Open", err)
	}

	s := &Storage{
		db:        db,
		log:       log.WithField("component", "storage"),
		templates: make(map[int64]model.TemplateEntity),
		signers:   make(map[int64]model.PublicKey),
	}

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	if err := s.loadCaches(ctx); err != nil {
		return nil, err
	}
	if err := s.Cleanup(ctx); err != nil {
		s.log.WithError(err).Warn("startup cleanup failed")
	}
	return s, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// bootstrap inserts the self-referential root template, the signer
// template, and the node's own key, signing both bootstrap statements
// with it. Idempotent: re-running on an initialized database is a no-op
// beyond re-deriving the same ids.
func (s *Storage) bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	templateStmt := model.NewStatement("template", model.TemplateEntity{
		Name:  "template",
		Slots: [][]model.EntityType{{model.TypeTemplate}},
	})
	signerStmt := model.NewStatement("template", model.TemplateEntity{
		Name:  "signer",
		Slots: [][]model.EntityType{{model.TypeSigner}},
	})

	templateResult, err := s.upsertStatementLocked(ctx, templateStmt)
	if err != nil {
		return err
	}
	signerResult, err := s.upsertStatementLocked(ctx, signerStmt)
	if err != nil {
		return err
	}

	own, err := s.ensureOwnKeyLocked(ctx)
	if err != nil {
		return err
	}

	for _, r := range []model.PersistResult[model.Statement]{templateResult, signerResult} {
		if !r.Inserted {
			continue
		}
		op := model.Opinion{Date: model.Today(), Valid: 3650, Serial: 0, Certainty: 3}
		if err := s.signAndPersistOpinionLocked(ctx, r.ID, r.Data, own, op); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) loadCaches(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `select id, entity_1 from statement where name = 'template'`)
	if err != nil {
		return errs.New(errs.Fatal, "storage.loadCaches", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			return errs.New(errs.Fatal, "storage.loadCaches", err)
		}
		t, err := model.ParseTemplate(model.PercentDecode(text))
		if err != nil {
			s.log.WithError(err).WithField("id", id).Warn("skipping malformed cached template")
			continue
		}
		s.templates[id] = t
	}

	signerRows, err := s.db.QueryContext(ctx, `select id, entity_1 from statement where name = 'signer'`)
	if err != nil {
		return errs.New(errs.Fatal, "storage.loadCaches", err)
	}
	defer signerRows.Close()
	for signerRows.Next() {
		var id int64
		var text string
		if err := signerRows.Scan(&id, &text); err != nil {
			return errs.New(errs.Fatal, "storage.loadCaches", err)
		}
		pk, err := model.ParsePublicKey(model.PercentDecode(text))
		if err != nil {
			s.log.WithError(err).WithField("id", id).Warn("skipping malformed cached signer")
			continue
		}
		s.signers[id] = pk
	}
	return nil
}

// CachedTemplates snapshots the in-memory template cache, the set the
// gossip layer derives its topic subscriptions and template-request
// replies from.
func (s *Storage) CachedTemplates() []model.TemplateEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TemplateEntity, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}

// hasMatchingTemplate reports whether stmt matches a cached template.
func (s *Storage) hasMatchingTemplate(stmt model.Statement) bool {
	for _, t := range s.templates {
		if stmt.MatchesTemplate(t) {
			return true
		}
	}
	return false
}

// Persist inserts stmt if it does not already exist (by its unique
// name+entities tuple), rejecting statements with no matching cached
// template. On success it updates the template/signer caches.
func (s *Storage) Persist(ctx context.Context, stmt model.Statement) (model.PersistResult[model.Statement], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx, stmt)
}

func (s *Storage) persistLocked(ctx context.Context, stmt model.Statement) (model.PersistResult[model.Statement], error) {
	if !s.hasMatchingTemplate(stmt) {
		return model.PersistResult[model.Statement]{}, errs.New(errs.TemplateMismatch, "storage.Persist", fmt.Errorf("no template matches %s", stmt.Name))
	}
	return s.upsertStatementLocked(ctx, stmt)
}

// upsertStatementLocked is the raw insert-or-find step below template
// validation. Only bootstrap may call it directly: the root
// `template(Template)` self-reference has nothing to match against
// before it exists, and on reopen the caches are not loaded yet when the
// bootstrap rows are re-derived. Everything else goes through
// persistLocked.
func (s *Storage) upsertStatementLocked(ctx context.Context, stmt model.Statement) (model.PersistResult[model.Statement], error) {
	cols := []string{"name", "entity_1"}
	vals := []any{stmt.Name, model.PercentEncode(stmt.Entities[0].String())}
	for i := 1; i < 4; i++ {
		if i < len(stmt.Entities) {
			cols = append(cols, fmt.Sprintf("entity_%d", i+1))
			vals = append(vals, model.PercentEncode(stmt.Entities[i].String()))
		}
	}
	// The first IP entity (usually entity_1, but e.g. asn(<ip>,AS<n>)
	// counts too) fills the cidr range columns so containment lookups can
	// reach the statement by any address inside the range.
	var cidrMin, cidrMax *string
	for _, entity := range stmt.Entities {
		if lo, hi, ok := asCIDRKey(entity); ok {
			cidrMin, cidrMax = &lo, &hi
			break
		}
	}
	if cidrMin != nil {
		cols = append(cols, "cidr_min", "cidr_max")
		vals = append(vals, *cidrMin, *cidrMax)
	}

	placeholders := make([]string, len(vals))
	for i := range vals {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("insert into statement(%s) values(%s)", joinCols(cols), joinCols(placeholders))

	// Select first: unused entity columns are NULL, and NULLs never collide
	// in the UNIQUE index, so the insert alone would not catch a duplicate.
	if existing, err := s.findExactLocked(ctx, stmt); err != nil {
		return model.PersistResult[model.Statement]{}, errs.New(errs.Fatal, "storage.Persist", err)
	} else if existing != nil {
		return model.PersistResult[model.Statement]{
			Persistent: model.Persistent[model.Statement]{ID: existing.ID, Data: existing.Data},
			Inserted:   false,
		}, nil
	}

	res, err := s.db.ExecContext(ctx, insertSQL, vals...)
	if err == nil {
		id, _ := res.LastInsertId()
		typedID := model.NewID[model.Statement](id)
		s.updateCachesOnInsert(typedID, stmt)
		return model.PersistResult[model.Statement]{
			Persistent: model.Persistent[model.Statement]{ID: typedID, Data: stmt},
			Inserted:   true,
		}, nil
	}

	// unique-constraint race: the row already exists, look it up.
	existing, lookupErr := s.findExactLocked(ctx, stmt)
	if lookupErr != nil || existing == nil {
		return model.PersistResult[model.Statement]{}, errs.New(errs.Fatal, "storage.Persist", err)
	}
	return model.PersistResult[model.Statement]{
		Persistent: model.Persistent[model.Statement]{ID: existing.ID, Data: existing.Data},
		Inserted:   false,
	}, nil
}

func (s *Storage) updateCachesOnInsert(id model.Id[model.Statement], stmt model.Statement) {
	switch {
	case stmt.Name == "template" && len(stmt.Entities) == 1:
		if t, ok := stmt.Entities[0].(model.TemplateEntity); ok {
			s.templates[id.Int64()] = t
		}
	case stmt.Name == "signer" && len(stmt.Entities) == 1:
		if signer, ok := stmt.Entities[0].(model.Signer); ok {
			s.signers[id.Int64()] = signer.Key
		}
	}
}

// PersistHashingEmails retries persist with every EMail position replaced
// by its HashValue when the statement as given matches no template.
func (s *Storage) PersistHashingEmails(ctx context.Context, stmt model.Statement) (model.PersistResult[model.Statement], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasMatchingTemplate(stmt) {
		return s.persistLocked(ctx, stmt)
	}
	hashed := make([]model.Entity, len(stmt.Entities))
	changed := false
	for i, e := range stmt.Entities {
		if email, ok := e.(model.EMail); ok {
			hashed[i] = email.Hashed()
			changed = true
		} else {
			hashed[i] = e
		}
	}
	if !changed {
		return model.PersistResult[model.Statement]{}, errs.New(errs.TemplateMismatch, "storage.PersistHashingEmails", fmt.Errorf("no template matches %s", stmt.Name))
	}
	return s.persistLocked(ctx, model.Statement{Name: stmt.Name, Entities: hashed})
}

func (s *Storage) findExactLocked(ctx context.Context, stmt model.Statement) (*model.Persistent[model.Statement], error) {
	row := s.db.QueryRowContext(ctx, `select id from statement where name = ? and entity_1 = ? and ifnull(entity_2,'') = ? and ifnull(entity_3,'') = ? and ifnull(entity_4,'') = ?`,
		statementLookupArgs(stmt)...)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	typedID := model.NewID[model.Statement](id)
	return &model.Persistent[model.Statement]{ID: typedID, Data: stmt}, nil
}

func statementLookupArgs(stmt model.Statement) []any {
	args := make([]any, 5)
	args[0] = stmt.Name
	args[1] = model.PercentEncode(stmt.Entities[0].String())
	for i := 1; i < 4; i++ {
		if i < len(stmt.Entities) {
			args[i+1] = model.PercentEncode(stmt.Entities[i].String())
		} else {
			args[i+1] = ""
		}
	}
	return args
}

// PersistOpinion stores so against stmtID, resolving the signer statement
// id by materializing the signer as a `signer(<PublicKey>)` statement if
// needed, and replacing any older opinion for (stmtID, signer) whose
// (date,serial) is not greater.
func (s *Storage) PersistOpinion(ctx context.Context, stmtID model.Id[model.Statement], stmt model.Statement, so model.SignedOpinion) (model.PersistResult[model.SignedOpinion], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !so.Verify(stmt) {
		return model.PersistResult[model.SignedOpinion]{}, errs.New(errs.Verification, "storage.PersistOpinion", fmt.Errorf("signature does not verify"))
	}

	signerStmt := model.NewStatement("signer", model.Signer{Key: so.Signer})
	signerResult, err := s.persistLocked(ctx, signerStmt)
	if err != nil {
		return model.PersistResult[model.SignedOpinion]{}, err
	}

	return s.persistOpinionRowLocked(ctx, stmtID, signerResult.ID, so)
}

func (s *Storage) signAndPersistOpinionLocked(ctx context.Context, stmtID model.Id[model.Statement], stmt model.Statement, own OwnKey, op model.Opinion) error {
	so, err := model.SignWith(op, stmt, own.KeyPair)
	if err != nil {
		return errs.New(errs.Fatal, "storage.signAndPersistOpinion", err)
	}
	_, err = s.persistOpinionRowLocked(ctx, stmtID, own.Signer, so)
	return err
}

func (s *Storage) persistOpinionRowLocked(ctx context.Context, stmtID, signerID model.Id[model.Statement], so model.SignedOpinion) (model.PersistResult[model.SignedOpinion], error) {
	var existingID int64
	var existingDate int32
	var existingSerial uint8
	row := s.db.QueryRowContext(ctx, `select id, date, serial from opinion where statement_id = ? and signer_id = ?`, stmtID.Int64(), signerID.Int64())
	hasExisting := true
	if err := row.Scan(&existingID, &existingDate, &existingSerial); err != nil {
		if err != sql.ErrNoRows {
			return model.PersistResult[model.SignedOpinion]{}, errs.New(errs.Fatal, "storage.PersistOpinion", err)
		}
		hasExisting = false
	}

	if hasExisting {
		if !opinionSupersedes(so.Unsigned, model.Date(existingDate), existingSerial) {
			return model.PersistResult[model.SignedOpinion]{
				Persistent: model.Persistent[model.SignedOpinion]{ID: model.NewID[model.SignedOpinion](existingID), Data: so},
				Inserted:   false,
			}, nil
		}
		if _, err := s.db.ExecContext(ctx, `delete from opinion where id = ?`, existingID); err != nil {
			return model.PersistResult[model.SignedOpinion]{}, errs.New(errs.Fatal, "storage.PersistOpinion", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `insert into opinion(statement_id, signer_id, date, valid, serial, certainty, comment, signature)
		values(?,?,?,?,?,?,?,?)`,
		stmtID.Int64(), signerID.Int64(),
		int32(so.Unsigned.Date), so.Unsigned.Valid, so.Unsigned.Serial, so.Unsigned.Certainty, so.Unsigned.Comment,
		fmt.Sprintf("%s;%s", so.Signer.String(), encodeSig(so.Signature)))
	if err != nil {
		return model.PersistResult[model.SignedOpinion]{}, errs.New(errs.Fatal, "storage.PersistOpinion", err)
	}
	id, _ := res.LastInsertId()
	return model.PersistResult[model.SignedOpinion]{
		Persistent: model.Persistent[model.SignedOpinion]{ID: model.NewID[model.SignedOpinion](id), Data: so},
		Inserted:   true,
	}, nil
}

func opinionSupersedes(candidate model.Opinion, existingDate model.Date, existingSerial uint8) bool {
	if candidate.Date != existingDate {
		return candidate.Date > existingDate
	}
	return candidate.Serial > existingSerial
}

// UpdateLastUsed bumps each statement's recency weight using the decaying
// formula weight' = 1 + weight * 0.5^Δdays, and refreshes its last_used
// stamp to today. Scoring beyond recording this weight is left to future
// work; storage exposes no ranking API over it.
func (s *Storage) UpdateLastUsed(ctx context.Context, ids []model.Id[model.Statement]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if err := s.updateLastUsedOneLocked(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) updateLastUsedOneLocked(ctx context.Context, id model.Id[model.Statement]) error {
	var weight float64
	var lastUsed sql.NullInt64
	row := s.db.QueryRowContext(ctx, `select last_weight, last_used from statement where id = ?`, id.Int64())
	if err := row.Scan(&weight, &lastUsed); err != nil {
		return errs.New(errs.Fatal, "storage.UpdateLastUsed", err)
	}
	today := model.Today()
	deltaDays := int64(today)
	if lastUsed.Valid {
		deltaDays = int64(today) - lastUsed.Int64
		if deltaDays < 0 {
			deltaDays = 0
		}
	}
	newWeight := 1 + weight*math.Pow(0.5, float64(deltaDays))
	_, err := s.db.ExecContext(ctx, `update statement set last_weight = ?, last_used = ? where id = ?`, newWeight, int32(today), id.Int64())
	if err != nil {
		return errs.New(errs.Fatal, "storage.UpdateLastUsed", err)
	}
	return nil
}

// FindStatementsReferencing returns statements referencing entity: by
// CIDR containment for IPv4/IPv6 entities, by exact positional equality
// otherwise. Matched rows have their recency touched.
func (s *Storage) FindStatementsReferencing(ctx context.Context, entity model.Entity) ([]model.Persistent[model.Statement], error) {
	s.mu.RLock()
	found, err := s.findReferencingLocked(ctx, entity)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	ids := make([]model.Id[model.Statement], len(found))
	for i, p := range found {
		ids[i] = p.ID
	}
	if len(ids) > 0 {
		if err := s.UpdateLastUsed(ctx, ids); err != nil {
			s.log.WithError(err).Debug("recency update failed")
		}
	}
	return found, nil
}

func (s *Storage) findReferencingLocked(ctx context.Context, entity model.Entity) ([]model.Persistent[model.Statement], error) {
	if lo, hi, ok := asCIDRKey(entity); ok {
		rows, err := s.db.QueryContext(ctx, `select id, name, entity_1, entity_2, entity_3, entity_4 from statement
			where cidr_min <= ? and cidr_max >= ?`, lo, hi)
		if err != nil {
			return nil, errs.New(errs.Fatal, "storage.FindStatementsReferencing", err)
		}
		defer rows.Close()
		return scanStatements(rows)
	}
	key := model.PercentEncode(entity.String())
	rows, err := s.db.QueryContext(ctx, `select id, name, entity_1, entity_2, entity_3, entity_4 from statement
		where entity_1 = ? or entity_2 = ? or entity_3 = ? or entity_4 = ?`, key, key, key, key)
	if err != nil {
		return nil, errs.New(errs.Fatal, "storage.FindStatementsReferencing", err)
	}
	defer rows.Close()
	return scanStatements(rows)
}

// FindStatementsAbout is the lookup-key closure: a statement referencing
// any of entity's ordered lookup keys (self, hashed form, parent-domain
// expansion) is considered "about" it, expanded once more via ASN
// indirection: for any matched statement named `asn(<ip>, AS<n>)`,
// statements referencing that ASN are pulled in too.
func (s *Storage) FindStatementsAbout(ctx context.Context, entity model.Entity) ([]model.Persistent[model.Statement], error) {
	s.mu.RLock()
	out, err := s.findAboutLocked(ctx, entity)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var asns []model.Entity
	for _, p := range out {
		if p.Data.Name == "asn" && len(p.Data.Entities) == 2 {
			if as, ok := p.Data.Entities[1].(model.AS); ok {
				asns = append(asns, as)
			}
		}
	}
	seen := make(map[int64]bool, len(out))
	for _, p := range out {
		seen[p.ID.Int64()] = true
	}
	for _, as := range asns {
		s.mu.RLock()
		found, err := s.findReferencingLocked(ctx, as)
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			if !seen[p.ID.Int64()] {
				seen[p.ID.Int64()] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *Storage) findAboutLocked(ctx context.Context, entity model.Entity) ([]model.Persistent[model.Statement], error) {
	seen := make(map[int64]bool)
	var out []model.Persistent[model.Statement]
	for _, key := range entity.LookupKeys() {
		encoded := model.PercentEncode(key)
		rows, err := s.db.QueryContext(ctx, `select id, name, entity_1, entity_2, entity_3, entity_4 from statement
			where entity_1 = ? or entity_2 = ? or entity_3 = ? or entity_4 = ?`, encoded, encoded, encoded, encoded)
		if err != nil {
			return nil, errs.New(errs.Fatal, "storage.FindStatementsAbout", err)
		}
		found, err := scanStatements(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			if !seen[p.ID.Int64()] {
				seen[p.ID.Int64()] = true
				out = append(out, p)
			}
		}
	}

	if lo, hi, ok := asCIDRKey(entity); ok {
		rows, err := s.db.QueryContext(ctx, `select id, name, entity_1, entity_2, entity_3, entity_4 from statement
			where cidr_min <= ? and cidr_max >= ?`, lo, hi)
		if err != nil {
			return nil, errs.New(errs.Fatal, "storage.FindStatementsAbout", err)
		}
		found, err := scanStatements(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			if !seen[p.ID.Int64()] {
				seen[p.ID.Int64()] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// asCIDRKey returns the fixed-width hex [min,max] bounds to test
// containment against cidr_min/cidr_max for an IPv4/IPv6 entity (host or
// range alike).
func asCIDRKey(entity model.Entity) (min, max string, ok bool) {
	switch e := entity.(type) {
	case model.IPv4:
		lo, hi := e.Bounds()
		return lo, hi, true
	case model.IPv6:
		lo, hi := e.Bounds()
		return lo, hi, true
	default:
		return "", "", false
	}
}

// ListStatementsNamedSigned returns every statement named name that has
// at least one opinion dated date, each bundled with exactly the opinions
// of that date — the unit a peer's daily digest comparison pulls.
// Sibling opinions from distinct signers collapse onto one statement.
func (s *Storage) ListStatementsNamedSigned(ctx context.Context, name string, date model.Date) ([]model.SignedStatement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `select distinct statement.id, statement.name, entity_1, entity_2, entity_3, entity_4
		from statement join opinion on opinion.statement_id = statement.id
		where statement.name = ? and opinion.date = ?`, name, int32(date))
	if err != nil {
		return nil, errs.New(errs.Fatal, "storage.ListStatementsNamedSigned", err)
	}
	stmts, err := scanStatements(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	out := make([]model.SignedStatement, 0, len(stmts))
	for _, p := range stmts {
		opinions, err := s.opinionsDatedLocked(ctx, p.ID, date)
		if err != nil {
			return nil, err
		}
		if len(opinions) == 0 {
			continue
		}
		out = append(out, model.SignedStatement{Statement: p.Data, Opinions: opinions})
	}
	return out, nil
}

// OpinionsFor returns every surviving signed opinion on the statement
// identified by stmtID, for callers (e.g. the local `?` query command)
// that need a statement's opinions — date range and signer included —
// alongside its bare text.
func (s *Storage) OpinionsFor(ctx context.Context, stmtID model.Id[model.Statement]) ([]model.SignedOpinion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opinionsForLocked(ctx, stmtID)
}

func (s *Storage) opinionsForLocked(ctx context.Context, stmtID model.Id[model.Statement]) ([]model.SignedOpinion, error) {
	rows, err := s.db.QueryContext(ctx, `select date, valid, serial, certainty, comment, signature from opinion where statement_id = ?`, stmtID.Int64())
	if err != nil {
		return nil, errs.New(errs.Fatal, "storage.opinionsFor", err)
	}
	return scanOpinions(rows)
}

func (s *Storage) opinionsDatedLocked(ctx context.Context, stmtID model.Id[model.Statement], date model.Date) ([]model.SignedOpinion, error) {
	rows, err := s.db.QueryContext(ctx, `select date, valid, serial, certainty, comment, signature from opinion where statement_id = ? and date = ?`, stmtID.Int64(), int32(date))
	if err != nil {
		return nil, errs.New(errs.Fatal, "storage.opinionsDated", err)
	}
	return scanOpinions(rows)
}

func scanOpinions(rows *sql.Rows) ([]model.SignedOpinion, error) {
	defer rows.Close()
	var out []model.SignedOpinion
	for rows.Next() {
		var date int32
		var valid uint16
		var serial uint8
		var certainty int8
		var comment, signature string
		if err := rows.Scan(&date, &valid, &serial, &certainty, &comment, &signature); err != nil {
			return nil, errs.New(errs.Fatal, "storage.opinionsFor", err)
		}
		signerStr, sig, err := decodeSigColumn(signature)
		if err != nil {
			continue
		}
		signer, err := model.ParsePublicKey(signerStr)
		if err != nil {
			continue
		}
		out = append(out, model.SignedOpinion{
			Unsigned:  model.Opinion{Date: model.Date(date), Valid: valid, Serial: serial, Certainty: certainty, Comment: comment},
			Signer:    signer,
			Signature: sig,
		})
	}
	return out, nil
}

// SyncInfo is a per-template-name daily digest: how many opinions exist
// and a hash over their concatenated signatures.
type SyncInfo struct {
	Count int
	Hash  string
}

// SuggestsUpdate reports whether peer's digest for the same template name
// suggests we are missing data it has: strictly fewer opinions, or the
// same count with a different hash. A peer with fewer or identical
// opinions never triggers a pull — it pulls from us instead.
func (si SyncInfo) SuggestsUpdate(peer SyncInfo) bool {
	return si.Count < peer.Count || (si.Count == peer.Count && si.Hash != peer.Hash)
}

// GetSyncInfos summarizes every template name's opinion set for date.
func (s *Storage) GetSyncInfos(ctx context.Context, date model.Date) (map[string]SyncInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `select statement.name, opinion.signature from opinion
		join statement on statement.id = opinion.statement_id
		where opinion.date = ? order by statement.name`, int32(date))
	if err != nil {
		return nil, errs.New(errs.Fatal, "storage.GetSyncInfos", err)
	}
	defer rows.Close()

	sigsByName := make(map[string][]string)
	for rows.Next() {
		var name, sig string
		if err := rows.Scan(&name, &sig); err != nil {
			return nil, errs.New(errs.Fatal, "storage.GetSyncInfos", err)
		}
		sigsByName[name] = append(sigsByName[name], sig)
	}

	out := make(map[string]SyncInfo, len(sigsByName))
	for name, sigs := range sigsByName {
		sort.Strings(sigs)
		out[name] = SyncInfo{Count: len(sigs), Hash: digestSignatures(sigs)}
	}
	return out, nil
}

// Cleanup deletes expired opinions (last_date < today) and any statement
// left with no surviving opinion that is neither any surviving opinion's
// signer nor the signer of the node's own private key. Opinions go first
// so the opinion→statement signer cycle needs no delete cascade.
func (s *Storage) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(ctx)
}

func (s *Storage) cleanupLocked(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Fatal, "storage.Cleanup", err)
	}
	today := int32(model.Today())
	if _, err := tx.ExecContext(ctx, `delete from opinion where date + valid < ?`, today); err != nil {
		tx.Rollback()
		return errs.New(errs.Fatal, "storage.Cleanup", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from statement where
		id not in (select statement_id from opinion)
		and id not in (select signer_id from opinion)
		and id not in (select signer_id from private_key)`); err != nil {
		tx.Rollback()
		return errs.New(errs.Fatal, "storage.Cleanup", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Fatal, "storage.Cleanup", err)
	}
	return nil
}

// OwnKey returns the node's own signing identity, generating and
// persisting one on first call.
func (s *Storage) OwnKey(ctx context.Context) (OwnKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureOwnKeyLocked(ctx)
}

func (s *Storage) ensureOwnKeyLocked(ctx context.Context) (OwnKey, error) {
	if s.ownKey != nil {
		return *s.ownKey, nil
	}

	row := s.db.QueryRowContext(ctx, `select signer_id, algorithm, secret from private_key limit 1`)
	var signerID int64
	var algorithm, secret string
	if err := row.Scan(&signerID, &algorithm, &secret); err == nil {
		kp, err := model.LoadSecp256k1(secret)
		if err != nil {
			return OwnKey{}, errs.New(errs.Fatal, "storage.ensureOwnKey", err)
		}
		own := OwnKey{Signer: model.NewID[model.Statement](signerID), Level: 0, KeyPair: kp}
		s.ownKey = &own
		return own, nil
	} else if err != sql.ErrNoRows {
		return OwnKey{}, errs.New(errs.Fatal, "storage.ensureOwnKey", err)
	}

	kp, err := model.GenerateSecp256k1()
	if err != nil {
		return OwnKey{}, errs.New(errs.Fatal, "storage.ensureOwnKey", err)
	}
	signerStmt := model.NewStatement("signer", model.Signer{Key: kp.Public})
	result, err := s.persistLocked(ctx, signerStmt)
	if err != nil {
		return OwnKey{}, err
	}
	secretB64, err := kp.SecretBase64()
	if err != nil {
		return OwnKey{}, errs.New(errs.Fatal, "storage.ensureOwnKey", err)
	}
	if _, err := s.db.ExecContext(ctx, `insert into private_key(signer_id, algorithm, secret) values(?,?,?)`, result.ID.Int64(), kp.Algorithm.String(), secretB64); err != nil {
		return OwnKey{}, errs.New(errs.Fatal, "storage.ensureOwnKey", err)
	}
	own := OwnKey{Signer: result.ID, Level: 0, KeyPair: kp}
	s.ownKey = &own
	return own, nil
}

func scanStatements(rows *sql.Rows) ([]model.Persistent[model.Statement], error) {
	var out []model.Persistent[model.Statement]
	for rows.Next() {
		var id int64
		var name string
		var e1 string
		var e2, e3, e4 sql.NullString
		if err := rows.Scan(&id, &name, &e1, &e2, &e3, &e4); err != nil {
			return nil, errs.New(errs.Fatal, "storage.scanStatements", err)
		}
		entities := []string{e1}
		for _, ns := range []sql.NullString{e2, e3, e4} {
			if ns.Valid {
				entities = append(entities, ns.String)
			}
		}
		parsed := make([]model.Entity, 0, len(entities))
		ok := true
		for _, raw := range entities {
			e, err := model.ParseEntity(model.PercentDecode(raw))
			if err != nil {
				ok = false
				break
			}
			parsed = append(parsed, e)
		}
		if !ok {
			continue
		}
		out = append(out, model.Persistent[model.Statement]{
			ID:   model.NewID[model.Statement](id),
			Data: model.Statement{Name: name, Entities: parsed},
		})
	}
	return out, nil
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func encodeSig(sig []byte) string {
	return hex.EncodeToString(sig)
}

func decodeSigColumn(col string) (signer string, sig []byte, err error) {
	for i := len(col) - 1; i >= 0; i-- {
		if col[i] == ';' {
			signer = col[:i]
			sig, err = hex.DecodeString(col[i+1:])
			return signer, sig, err
		}
	}
	return "", nil, fmt.Errorf("malformed signature column: %q", col)
}

// digestSignatures hashes the concatenation of a day's opinion signatures
// for a template name; peers compare this against their own to decide
// whether a pull is needed.
func digestSignatures(sigs []string) string {
	h := sha256.New()
	for _, s := range sigs {
		h.Write([]byte(s))
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
