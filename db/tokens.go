package db

import (
	"context"
	"fmt"
	"time"
)

// SaveOAuthToken stores the refresh token of a linked account.
func (s *Store) SaveOAuthToken(ctx context.Context, t PrivateToken) error {
	if t.CreatedOn.IsZero() {
		t.CreatedOn = s.now()
	}
	query := s.q(`insert into privatetokens (client_key, provider, refresh_token, display_name, created_on)
		values (?, ?, ?, ?, ?)
		on conflict (client_key) do update set
			provider = excluded.provider,
			refresh_token = excluded.refresh_token,
			display_name = excluded.display_name`)
	if _, err := s.db.ExecContext(ctx, query, t.ClientKey, t.Provider, t.RefreshToken, t.DisplayName, unix(t.CreatedOn)); err != nil {
		return fmt.Errorf("failed to save oauth token for client %s: %w", t.ClientKey, err)
	}
	return nil
}

// GetOAuthToken returns nil when the client key is unknown.
func (s *Store) GetOAuthToken(ctx context.Context, clientKey string) (*PrivateToken, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.q(`select client_key, provider, refresh_token, display_name, created_on
		from privatetokens where client_key = ?`), clientKey)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth token for client %s: %w", clientKey, err)
	}
	return &PrivateToken{
		ClientKey:    row.ClientKey,
		Provider:     row.Provider,
		RefreshToken: row.RefreshToken,
		DisplayName:  row.DisplayName,
		CreatedOn:    time.Unix(row.CreatedOn, 0).UTC(),
	}, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	accounts := []Account{}
	if err := s.db.SelectContext(ctx, &accounts, `select client_key, provider, display_name from privatetokens order by created_on`); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}
