package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mcpauth/dcrproxy/pkg/dcrproxy"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Client struct {
	ClientID string `gorm:"primaryKey"`
	Metadata string
}

type AuthorizationCode struct {
	Code        string `gorm:"primaryKey"`
	ClientID    string
	RedirectURI string
	Scopes      string
	ExpiresAt   int64
}

type AccessToken struct {
	Token        string `gorm:"primaryKey"`
	ClientID     string
	Scopes       string
	ExpiresAt    int64
	RefreshToken string `gorm:"index"`
}

type RefreshToken struct {
	Token     string `gorm:"primaryKey"`
	ClientID  string
	Scopes    string
	ExpiresAt int64
}

type Store struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

var _ dcrproxy.ClientStore = (*Store)(nil)
var _ dcrproxy.TokenStore = (*Store)(nil)

func NewStore(dbPath string, logger *slog.Logger, verbose bool) (*Store, error) {
	gormLogger := slogGorm.New(
		slogGorm.WithHandler(tint.NewHandler(os.Stderr, &tint.Options{
			TimeFormat: time.RFC3339,
		})),
	)
	if verbose {
		gormLogger = slogGorm.New(
			slogGorm.WithHandler(tint.NewHandler(os.Stderr, &tint.Options{
				TimeFormat: time.RFC3339,
			})),
			slogGorm.WithTraceAll(),
		)
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}
	db.AutoMigrate(&Client{}, &AuthorizationCode{}, &AccessToken{}, &RefreshToken{})
	return &Store{DB: db, Logger: logger}, nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*dcrproxy.ClientInformation, error) {
	var row Client
	if err := s.DB.WithContext(ctx).Where("client_id = ?", clientID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var info dcrproxy.ClientInformation
	if err := json.Unmarshal([]byte(row.Metadata), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *Store) SaveClient(ctx context.Context, info *dcrproxy.ClientInformation) error {
	metadata, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Save(&Client{ClientID: info.ClientID, Metadata: string(metadata)}).Error
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	return s.DB.WithContext(ctx).Delete(&Client{}, "client_id = ?", clientID).Error
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *dcrproxy.AuthorizationCode) error {
	return s.DB.WithContext(ctx).Save(&AuthorizationCode{
		Code:        code.Code,
		ClientID:    code.ClientID,
		RedirectURI: code.RedirectURI,
		Scopes:      strings.Join(code.Scopes, " "),
		ExpiresAt:   code.ExpiresAt,
	}).Error
}

func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*dcrproxy.AuthorizationCode, error) {
	var row AuthorizationCode
	if err := s.DB.WithContext(ctx).Where("code = ?", code).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	record := &dcrproxy.AuthorizationCode{
		Code:        row.Code,
		ClientID:    row.ClientID,
		RedirectURI: row.RedirectURI,
		Scopes:      splitScopes(row.Scopes),
		ExpiresAt:   row.ExpiresAt,
	}
	if record.Expired() {
		s.DB.WithContext(ctx).Delete(&AuthorizationCode{}, "code = ?", code)
		return nil, nil
	}
	return record, nil
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return s.DB.WithContext(ctx).Delete(&AuthorizationCode{}, "code = ?", code).Error
}

func (s *Store) GetAccessToken(ctx context.Context, token string) (*dcrproxy.AccessToken, error) {
	var row AccessToken
	if err := s.DB.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	record := &dcrproxy.AccessToken{
		Token:     row.Token,
		ClientID:  row.ClientID,
		Scopes:    splitScopes(row.Scopes),
		ExpiresAt: row.ExpiresAt,
	}
	if record.Expired() {
		s.DB.WithContext(ctx).Delete(&AccessToken{}, "token = ?", token)
		return nil, nil
	}
	return record, nil
}

func (s *Store) GetRefreshToken(ctx context.Context, token string) (*dcrproxy.RefreshToken, error) {
	var row RefreshToken
	if err := s.DB.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	record := &dcrproxy.RefreshToken{
		Token:     row.Token,
		ClientID:  row.ClientID,
		Scopes:    splitScopes(row.Scopes),
		ExpiresAt: row.ExpiresAt,
	}
	if record.Expired() {
		s.revokeRefreshTx(s.DB.WithContext(ctx), token)
		return nil, nil
	}
	return record, nil
}

func (s *Store) SaveTokens(ctx context.Context, access *dcrproxy.AccessToken, refresh *dcrproxy.RefreshToken) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.saveTokensTx(tx, access, refresh)
	})
}

func (s *Store) RotateRefreshToken(ctx context.Context, oldRefresh string, access *dcrproxy.AccessToken, refresh *dcrproxy.RefreshToken) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.revokeRefreshTx(tx, oldRefresh); err != nil {
			return err
		}
		return s.saveTokensTx(tx, access, refresh)
	})
}

func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row AccessToken
		err := tx.Where("token = ?", token).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if row.RefreshToken != "" {
			return s.revokeRefreshTx(tx, row.RefreshToken)
		}
		return tx.Delete(&AccessToken{}, "token = ?", token).Error
	})
}

func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.revokeRefreshTx(tx, token)
	})
}

func (s *Store) saveTokensTx(tx *gorm.DB, access *dcrproxy.AccessToken, refresh *dcrproxy.RefreshToken) error {
	row := &AccessToken{
		Token:     access.Token,
		ClientID:  access.ClientID,
		Scopes:    strings.Join(access.Scopes, " "),
		ExpiresAt: access.ExpiresAt,
	}
	if refresh != nil {
		row.RefreshToken = refresh.Token
		if err := tx.Save(&RefreshToken{
			Token:     refresh.Token,
			ClientID:  refresh.ClientID,
			Scopes:    strings.Join(refresh.Scopes, " "),
			ExpiresAt: refresh.ExpiresAt,
		}).Error; err != nil {
			return err
		}
	}
	return tx.Save(row).Error
}

func (s *Store) revokeRefreshTx(tx *gorm.DB, token string) error {
	if err := tx.Delete(&AccessToken{}, "refresh_token = ?", token).Error; err != nil {
		return err
	}
	return tx.Delete(&RefreshToken{}, "token = ?", token).Error
}

func splitScopes(scopes string) []string {
	if scopes == "" {
		return nil
	}
	return strings.Fields(scopes)
}
