package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	seedExchangeSQL = `INSERT INTO exchanges (
        code,
        name,
        type,
        description,
        website,
        is_active,
        update_interval_seconds
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (code) DO NOTHING;`

	listExchangesSQL = `SELECT
        id,
        code,
        name,
        type,
        description,
        website,
        is_active,
        update_interval_seconds,
        created_at,
        updated_at
    FROM exchanges
    ORDER BY code;`
)

// KnownExchanges lists the sources the adapters publish under.
var KnownExchanges = []Exchange{
	{
		Code:                  "BCV",
		Name:                  "Banco Central de Venezuela",
		Type:                  ExchangeTypeFiat,
		Description:           "Official rate from BCV",
		Website:               "https://www.bcv.org.ve",
		IsActive:              true,
		UpdateIntervalSeconds: 3600,
	},
	{
		Code:                  "BINANCE_P2P",
		Name:                  "Binance P2P",
		Type:                  ExchangeTypeCrypto,
		Description:           "USDT/VES P2P Market",
		Website:               "https://p2p.binance.com",
		IsActive:              true,
		UpdateIntervalSeconds: 3600,
	},
	{
		Code:                  "ITALCAMBIOS",
		Name:                  "Italcambios",
		Type:                  ExchangeTypeFiat,
		Description:           "Casa de cambio oficial",
		Website:               "https://www.italcambio.com",
		IsActive:              true,
		UpdateIntervalSeconds: 3600,
	},
}

// SeedExchanges inserts KnownExchanges that are not yet registered and
// returns how many rows were created.
func (s *Store) SeedExchanges(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var created int64
	for _, ex := range KnownExchanges {
		tag, execErr := pool.Exec(ctx, seedExchangeSQL,
			ex.Code,
			ex.Name,
			string(ex.Type),
			ex.Description,
			ex.Website,
			ex.IsActive,
			ex.UpdateIntervalSeconds,
		)
		if execErr != nil {
			return created, fmt.Errorf("seed exchange %s: %w", ex.Code, execErr)
		}
		created += tag.RowsAffected()
	}
	return created, nil
}

// ListExchanges returns the registry ordered by code.
func (s *Store) ListExchanges(ctx context.Context) ([]Exchange, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listExchangesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list exchanges: %w", queryErr)
	}
	defer rows.Close()

	exchanges := make([]Exchange, 0, len(KnownExchanges))
	for rows.Next() {
		var (
			ex          Exchange
			exType      string
			description sql.NullString
			website     sql.NullString
		)
		if err := rows.Scan(
			&ex.ID,
			&ex.Code,
			&ex.Name,
			&exType,
			&description,
			&website,
			&ex.IsActive,
			&ex.UpdateIntervalSeconds,
			&ex.CreatedAt,
			&ex.UpdatedAt,
		); err != nil {
			return nil, err
		}
		ex.Type = ExchangeType(exType)
		ex.Description = description.String
		ex.Website = website.String
		exchanges = append(exchanges, ex)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return exchanges, nil
}
