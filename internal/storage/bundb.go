package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"kernelfs/internal/common"
	"kernelfs/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// GetSchemaInfo retrieves a schema_info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// InTx runs fn in a transaction, retrying the whole transaction when the
// database is locked by another connection.
func (db *BunDB) InTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return util.Retry(ctx, func() error {
		return db.RunInTx(ctx, nil, fn)
	}, util.DatabaseRetryOptions(ctx)...)
}

// --- Inode Operations ---

// GetInodeWith retrieves an inode row. Returns ErrFileNotFound if it doesn't exist.
func (db *BunDB) GetInodeWith(idb bun.IDB, ctx context.Context, ino int64) (*InodeModel, error) {
	var inode InodeModel
	err := idb.NewSelect().
		Model(&inode).
		Where("ino = ?", ino).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inode, nil
}

// GetInode is GetInodeWith on the shared connection.
func (db *BunDB) GetInode(ctx context.Context, ino int64) (*InodeModel, error) {
	return db.GetInodeWith(db.DB, ctx, ino)
}

// NextInoWith returns the lowest unused inode number above every live one.
func (db *BunDB) NextInoWith(idb bun.IDB, ctx context.Context) (int64, error) {
	var maxIno sql.NullInt64
	if err := idb.NewRaw(`SELECT MAX(ino) FROM inodes`).Scan(ctx, &maxIno); err != nil {
		return 0, err
	}
	if !maxIno.Valid {
		return RootIno, nil
	}
	return maxIno.Int64 + 1, nil
}

// InsertInodeWith inserts a new inode row.
func (db *BunDB) InsertInodeWith(idb bun.IDB, ctx context.Context, inode *InodeModel) error {
	_, err := idb.NewInsert().Model(inode).Exec(ctx)
	return err
}

// UpdateInodeWith overwrites every column of an existing inode row.
func (db *BunDB) UpdateInodeWith(idb bun.IDB, ctx context.Context, inode *InodeModel) error {
	res, err := idb.NewUpdate().
		Model(inode).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrFileNotFound
	}
	return nil
}

// DeleteInodeWith removes an inode row and its content chunks.
func (db *BunDB) DeleteInodeWith(idb bun.IDB, ctx context.Context, ino int64) error {
	if _, err := idb.NewDelete().Model((*ContentModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	_, err := idb.NewDelete().Model((*InodeModel)(nil)).Where("ino = ?", ino).Exec(ctx)
	return err
}

// --- Dentry Operations ---

// GetDentryWith retrieves a directory entry.
// Returns ErrFileNotFound if the entry doesn't exist.
func (db *BunDB) GetDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) (*DentryModel, error) {
	var dentry DentryModel
	err := idb.NewSelect().
		Model(&dentry).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dentry, nil
}

// ParentDentryWith returns the entry naming ino, used to walk towards the root.
func (db *BunDB) ParentDentryWith(idb bun.IDB, ctx context.Context, ino int64) (*DentryModel, error) {
	var dentry DentryModel
	err := idb.NewSelect().
		Model(&dentry).
		Where("ino = ?", ino).
		Order("parent_ino ASC", "name ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dentry, nil
}

// ListDentries returns the entries of a directory ordered by name, with the
// child's mode joined in.
func (db *BunDB) ListDentries(ctx context.Context, parentIno int64) ([]DentryWithMode, error) {
	var rows []DentryWithMode
	err := db.NewRaw(`
		SELECT d.name, d.ino, i.mode
		FROM dentries d
		INNER JOIN inodes i ON d.ino = i.ino
		WHERE d.parent_ino = ?
		ORDER BY d.name
	`, parentIno).Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DentryWithMode is a ListDentries row.
type DentryWithMode struct {
	Name string `bun:"name"`
	Ino  int64  `bun:"ino"`
	Mode int64  `bun:"mode"`
}

// InsertDentryWith inserts a directory entry.
// Returns ErrExists if the name is already taken.
func (db *BunDB) InsertDentryWith(idb bun.IDB, ctx context.Context, d *DentryModel) error {
	if _, err := db.GetDentryWith(idb, ctx, d.ParentIno, d.Name); err == nil {
		return common.ErrExists
	} else if !errors.Is(err, common.ErrFileNotFound) {
		return err
	}
	_, err := idb.NewInsert().Model(d).Exec(ctx)
	return err
}

// DeleteDentryWith removes a directory entry.
// Returns ErrFileNotFound if nothing was removed.
func (db *BunDB) DeleteDentryWith(idb bun.IDB, ctx context.Context, parentIno int64, name string) error {
	res, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrFileNotFound
	}
	return nil
}

// DeleteDentriesForWith drops every entry pointing at ino and, for a
// directory, every entry inside it.
func (db *BunDB) DeleteDentriesForWith(idb bun.IDB, ctx context.Context, ino int64) error {
	_, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("ino = ? OR parent_ino = ?", ino, ino).
		Exec(ctx)
	return err
}

// --- Content Operations ---

// ReadContent concatenates every chunk of ino in order.
func (db *BunDB) ReadContent(ctx context.Context, ino int64, size int64) ([]byte, error) {
	var chunks []ContentModel
	err := db.NewSelect().
		Model(&chunks).
		Where("ino = ?", ino).
		Order("chunk_idx ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	for _, c := range chunks {
		off := c.ChunkIdx * ChunkSize
		if off >= size {
			break
		}
		copy(data[off:], c.Data)
	}
	return data, nil
}

// ReplaceContentWith drops the existing chunks of ino and stores data.
func (db *BunDB) ReplaceContentWith(idb bun.IDB, ctx context.Context, ino int64, data []byte) error {
	if _, err := idb.NewDelete().Model((*ContentModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	chunks := make([]ContentModel, 0, (len(data)+ChunkSize-1)/ChunkSize)
	for off := 0; off < len(data); off += ChunkSize {
		end := min(off+ChunkSize, len(data))
		chunks = append(chunks, ContentModel{
			Ino:      ino,
			ChunkIdx: int64(off / ChunkSize),
			Data:     data[off:end],
		})
	}
	_, err := idb.NewInsert().Model(&chunks).Exec(ctx)
	return err
}
