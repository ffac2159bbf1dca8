// Package refdata provides repositories for the static reference hierarchy
// (clients, funds, accounts) and the product master, plus the cached
// symbology resolver. Reference rows are owned by the Position Loader; other
// services consume them via cache refresh on change notifications.
package refdata

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/domain"
)

// Repository handles reference data access against refdata.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a reference data repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "refdata").Logger(),
	}
}

// GetAccount returns one account with its client id resolved through the
// fund, or nil when unknown.
func (r *Repository) GetAccount(accountID int64) (*domain.Account, error) {
	row := r.db.QueryRow(`SELECT a.id, a.fund_id, f.client_id, a.number, a.type, a.base_currency
		FROM accounts a JOIN funds f ON f.id = a.fund_id
		WHERE a.id = ?`, accountID)

	var acc domain.Account
	err := row.Scan(&acc.ID, &acc.FundID, &acc.ClientID, &acc.Number, &acc.Type, &acc.BaseCurrency)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account %d: %w", accountID, err)
	}
	return &acc, nil
}

// GetAccountsForClient returns every account owned (via funds) by a client.
func (r *Repository) GetAccountsForClient(clientID int64) ([]domain.Account, error) {
	rows, err := r.db.Query(`SELECT a.id, a.fund_id, f.client_id, a.number, a.type, a.base_currency
		FROM accounts a JOIN funds f ON f.id = a.fund_id
		WHERE f.client_id = ?
		ORDER BY a.id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts for client %d: %w", clientID, err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var acc domain.Account
		if err := rows.Scan(&acc.ID, &acc.FundID, &acc.ClientID, &acc.Number, &acc.Type, &acc.BaseCurrency); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// GetAllAccounts returns every account in the hierarchy.
func (r *Repository) GetAllAccounts() ([]domain.Account, error) {
	rows, err := r.db.Query(`SELECT a.id, a.fund_id, f.client_id, a.number, a.type, a.base_currency
		FROM accounts a JOIN funds f ON f.id = a.fund_id
		ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var acc domain.Account
		if err := rows.Scan(&acc.ID, &acc.FundID, &acc.ClientID, &acc.Number, &acc.Type, &acc.BaseCurrency); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// GetProduct returns one product by internal id, or nil when unknown.
func (r *Repository) GetProduct(productID int64) (*domain.Product, error) {
	row := r.db.QueryRow(`SELECT id, identifier_type, identifier, ticker, asset_class,
		issue_currency, settle_currency, COALESCE(risk_region, ''), active
		FROM products WHERE id = ?`, productID)

	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query product %d: %w", productID, err)
	}
	return p, nil
}

// GetAllActiveProducts returns every active product. Used to warm the
// symbology cache.
func (r *Repository) GetAllActiveProducts() ([]domain.Product, error) {
	rows, err := r.db.Query(`SELECT id, identifier_type, identifier, ticker, asset_class,
		issue_currency, settle_currency, COALESCE(risk_region, ''), active
		FROM products WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// UpsertProduct inserts or replaces a product row. Position Loader only.
func (r *Repository) UpsertProduct(p domain.Product) error {
	_, err := r.db.Exec(`INSERT INTO products
		(id, identifier_type, identifier, ticker, asset_class, issue_currency, settle_currency, risk_region, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identifier_type = excluded.identifier_type,
			identifier = excluded.identifier,
			ticker = excluded.ticker,
			asset_class = excluded.asset_class,
			issue_currency = excluded.issue_currency,
			settle_currency = excluded.settle_currency,
			risk_region = excluded.risk_region,
			active = excluded.active`,
		p.ID, p.IdentifierType, p.Identifier, p.Ticker, string(p.AssetClass),
		p.IssueCurrency, p.SettleCurrency, p.RiskRegion, boolToInt(p.Active))
	if err != nil {
		return fmt.Errorf("failed to upsert product %d: %w", p.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var assetClass string
	var active int
	err := row.Scan(&p.ID, &p.IdentifierType, &p.Identifier, &p.Ticker, &assetClass,
		&p.IssueCurrency, &p.SettleCurrency, &p.RiskRegion, &active)
	if err != nil {
		return nil, err
	}
	p.AssetClass = domain.AssetClass(assetClass)
	p.Active = active == 1
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
