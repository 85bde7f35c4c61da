package host

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/flowdraw/collab/collab"
)

// SqliteStore persists documents to a single sqlite file. Column layout:
// metadata columns for listing without decoding content, the full body
// (entities, order, metadata) and the share list as json blobs.
type SqliteStore struct {
	db *sql.DB
}

func OpenSqliteStore(ctx context.Context, path string) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS documents(
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	owner_name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	modified_at INTEGER NOT NULL,
	content TEXT NOT NULL,
	shares TEXT NOT NULL
)
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &SqliteStore{db: db}, nil
}

type sqliteContent struct {
	Entities map[string]json.RawMessage `json:"entities"`
	Order    []string                   `json:"order"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

func (self *SqliteStore) List(ctx context.Context) ([]collab.DocumentInfo, error) {
	rows, err := self.db.QueryContext(ctx, `
SELECT id, name, owner_id, owner_name, created_at, modified_at
FROM documents
ORDER BY modified_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	infos := []collab.DocumentInfo{}
	for rows.Next() {
		var info collab.DocumentInfo
		if err := rows.Scan(&info.Id, &info.Name, &info.OwnerId, &info.OwnerName, &info.CreatedAt, &info.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (self *SqliteStore) Get(ctx context.Context, docId string) (*collab.Document, error) {
	row := self.db.QueryRowContext(ctx, `
SELECT id, name, owner_id, owner_name, created_at, modified_at, content, shares
FROM documents
WHERE id = ?
`, docId)

	var document collab.Document
	var contentJson string
	var sharesJson string
	err := row.Scan(
		&document.Id,
		&document.Name,
		&document.OwnerId,
		&document.OwnerName,
		&document.CreatedAt,
		&document.ModifiedAt,
		&contentJson,
		&sharesJson,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	var content sqliteContent
	if err := json.Unmarshal([]byte(contentJson), &content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	document.Entities = content.Entities
	document.Order = content.Order
	document.Metadata = content.Metadata
	if err := json.Unmarshal([]byte(sharesJson), &document.Shares); err != nil {
		return nil, fmt.Errorf("decode shares: %w", err)
	}
	return &document, nil
}

func (self *SqliteStore) Put(ctx context.Context, document *collab.Document) error {
	contentJson, err := json.Marshal(&sqliteContent{
		Entities: document.Entities,
		Order:    document.Order,
		Metadata: document.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	sharesJson, err := json.Marshal(document.Shares)
	if err != nil {
		return fmt.Errorf("encode shares: %w", err)
	}

	_, err = self.db.ExecContext(ctx, `
INSERT INTO documents(id, name, owner_id, owner_name, created_at, modified_at, content, shares)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name=excluded.name,
	owner_id=excluded.owner_id,
	owner_name=excluded.owner_name,
	modified_at=excluded.modified_at,
	content=excluded.content,
	shares=excluded.shares
`,
		document.Id,
		document.Name,
		document.OwnerId,
		document.OwnerName,
		document.CreatedAt,
		document.ModifiedAt,
		string(contentJson),
		string(sharesJson),
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (self *SqliteStore) Delete(ctx context.Context, docId string) error {
	result, err := self.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docId)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}
