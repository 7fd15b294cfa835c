package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/latticeproject/lattice/record"
)

// UpsertSpecification stores the canonical form of the specification if it is
// not already present and returns the row id either way. The hash -> id
// mapping is cached: specifications are immutable, so hits never go stale.
func (s *Store) UpsertSpecification(ctx context.Context, spec record.Specification) (int64, error) {
	spec = spec.Canonicalize()
	hash, err := spec.Hash()
	if err != nil {
		return 0, err
	}

	if id, ok := s.specCache.Get(hash); ok {
		return id, nil
	}

	var keywords, protocols []byte
	if len(spec.Keywords) > 0 {
		if keywords, err = json.Marshal(spec.Keywords); err != nil {
			return 0, xerrors.Errorf("marshaling specification keywords: %w", err)
		}
	}
	if len(spec.Protocols) > 0 {
		if protocols, err = json.Marshal(spec.Protocols); err != nil {
			return 0, xerrors.Errorf("marshaling specification protocols: %w", err)
		}
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		id, err = s.upsertSpecificationTx(ctx, tx, hash, spec, keywords, protocols)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.specCache.Add(hash, id)
	return id, nil
}

func (s *Store) upsertSpecificationTx(ctx context.Context, tx *sql.Tx, hash string, spec record.Specification, keywords, protocols []byte) (int64, error) {
	basis := ""
	if spec.Basis != nil {
		basis = *spec.Basis
	}

	if _, err := tx.StmtContext(ctx, s.stmts.insertSpecification).ExecContext(ctx,
		hash, spec.Program, spec.Driver, spec.Method, basis, keywords, protocols, nowMillis()); err != nil {
		return 0, xerrors.Errorf("inserting specification: %w", err)
	}

	var id int64
	if err := tx.StmtContext(ctx, s.stmts.getSpecificationIDByHash).QueryRowContext(ctx, hash).Scan(&id); err != nil {
		return 0, xerrors.Errorf("looking up specification by hash: %w", err)
	}
	return id, nil
}

// GetSpecification returns the stored specification with the given id.
func (s *Store) GetSpecification(ctx context.Context, id int64) (*record.Specification, error) {
	var (
		rowID               int64
		basis               string
		keywords, protocols []byte
		spec                record.Specification
	)
	err := s.stmts.getSpecification.QueryRowContext(ctx, id).Scan(
		&rowID, &spec.Program, &spec.Driver, &spec.Method, &basis, &keywords, &protocols)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &record.NotFoundError{What: "specification", ID: id}
	}
	if err != nil {
		return nil, xerrors.Errorf("loading specification %d: %w", id, err)
	}

	spec.Basis = &basis
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &spec.Keywords); err != nil {
			return nil, xerrors.Errorf("unmarshaling specification keywords: %w", err)
		}
	}
	if len(protocols) > 0 {
		if err := json.Unmarshal(protocols, &spec.Protocols); err != nil {
			return nil, xerrors.Errorf("unmarshaling specification protocols: %w", err)
		}
	}
	return &spec, nil
}

// dedupKey builds the uniqueness key records are deduplicated on. Records
// submitted with find_existing=false store NULL instead and stay invisible
// to future lookups.
func dedupKey(kind string, specID int64, context json.RawMessage) (string, error) {
	ctxHash, err := record.HashValue(context)
	if err != nil {
		return "", xerrors.Errorf("hashing submission context: %w", err)
	}
	return fmt.Sprintf("%s|%d|%s", kind, specID, ctxHash), nil
}
