// Package stub は開発用の認証バックエンドを提供する。
// 本物のバックエンドと同じエンドポイント形状をインメモリで実装し、
// クライアントエンジンのローカル開発と結合テストに使う。
package stub

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const otpTTL = 5 * time.Minute

// Config はスタブサーバーの設定。
type Config struct {
	JWTSecret []byte
	AccessTTL time.Duration
}

// account はインメモリのユーザーアカウント。
type account struct {
	ID           string
	Mobile       string
	Email        string
	PasswordHash []byte
	Verified     bool
}

// otpEntry は発行済みOTPコード。
type otpEntry struct {
	Code      string
	ExpiresAt time.Time
}

// Server は認証バックエンドのスタブ。
type Server struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[string]*account // identifier → account
	otps     map[string]otpEntry // identifier → 発行済みコード
	refresh  map[string]string   // refresh token → account ID
}

// NewServer はServerを生成する。
func NewServer(config Config, logger *slog.Logger) *Server {
	return &Server{
		config:   config,
		logger:   logger,
		accounts: make(map[string]*account),
		otps:     make(map[string]otpEntry),
		refresh:  make(map[string]string),
	}
}

// Handler は全認証エンドポイントを構成したルーターを返す。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/auth", func(r chi.Router) {
		r.Post("/request-otp", s.handleRequestOTP)
		r.Post("/verify-otp", s.handleVerifyOTP)
		r.Post("/signup/setup-password", s.handleSetupPassword)
		r.Post("/refresh-token", s.handleRefreshToken)
		r.Post("/login/mobile", s.handleLoginPassword)
		r.Post("/login/email", s.handleLoginPassword)
		r.Post("/login/oauth", s.handleLoginOAuth)
		r.Post("/logout", s.handleLogout)
	})

	return r
}

// OTPCode は識別子へ最後に発行したコードを返す。開発・テスト専用。
func (s *Server) OTPCode(identifier string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.otps[identifier]
	return e.Code, ok
}

// POST /auth/request-otp
func (s *Server) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Channel    string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "identifier is required")
		return
	}

	code, err := generateCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to generate code")
		return
	}

	s.mu.Lock()
	s.otps[req.Identifier] = otpEntry{Code: code, ExpiresAt: time.Now().Add(otpTTL)}
	s.mu.Unlock()

	// 実配送は行わない。コードはログとOTPCodeで取得できる。
	s.logger.Info("otp issued",
		slog.String("channel", req.Channel),
		slog.String("code", code),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "verification code sent",
		"expiresInSeconds": int(otpTTL.Seconds()),
	})
}

// POST /auth/verify-otp
// 既存の有効化済みアカウントには即座にトークンを発行し、
// 初回サインアップには追加ステップ（パスワード設定）を要求する。
func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Code       string `json:"code"`
		Channel    string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "identifier is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.otps[req.Identifier]
	if !ok || time.Now().After(entry.ExpiresAt) {
		writeError(w, http.StatusBadRequest, "OTP_EXPIRED", "verification code has expired")
		return
	}
	if entry.Code != req.Code {
		writeError(w, http.StatusBadRequest, "INVALID_OTP", "verification code does not match")
		return
	}
	delete(s.otps, req.Identifier)

	acct, exists := s.accounts[req.Identifier]
	if exists && acct.PasswordHash != nil {
		// 有効化済みアカウント: そのままログイン
		pair, err := s.mintLocked(acct)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to mint tokens")
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse(pair, acct))
		return
	}

	if !exists {
		acct = &account{ID: uuid.New().String()}
		if strings.Contains(req.Identifier, "@") {
			acct.Email = req.Identifier
		} else {
			acct.Mobile = req.Identifier
		}
		s.accounts[req.Identifier] = acct
	}
	acct.Verified = true

	writeJSON(w, http.StatusOK, map[string]any{
		"message":                        "identifier verified",
		"requiresAdditionalVerification": true,
	})
}

// POST /auth/signup/setup-password
func (s *Server) handleSetupPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier      string `json:"identifier"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "identifier is required")
		return
	}
	if req.Password == "" || req.Password != req.ConfirmPassword {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "passwords do not match")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.Identifier]
	if !ok || !acct.Verified {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "identifier not verified")
		return
	}
	if acct.PasswordHash != nil {
		writeError(w, http.StatusConflict, "ACCOUNT_EXISTS", "account already has a password")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to hash password")
		return
	}
	acct.PasswordHash = hash

	pair, err := s.mintLocked(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to mint tokens")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(pair, acct))
}

// POST /auth/refresh-token
// リフレッシュトークンは1回使い切りで、使用のたびにローテーションする。
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	refreshToken, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "TOKEN_INVALID", "missing refresh token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accountID, ok := s.refresh[refreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "TOKEN_INVALID", "refresh token is not valid")
		return
	}
	delete(s.refresh, refreshToken)

	acct := s.accountByIDLocked(accountID)
	if acct == nil {
		writeError(w, http.StatusUnauthorized, "TOKEN_INVALID", "account no longer exists")
		return
	}

	pair, err := s.mintLocked(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to mint tokens")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(pair, acct))
}

// POST /auth/login/mobile, POST /auth/login/email
func (s *Server) handleLoginPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "identifier is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.Identifier]
	if !ok || acct.PasswordHash == nil ||
		bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "identifier or password is not valid")
		return
	}

	pair, err := s.mintLocked(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to mint tokens")
		return
	}
	// ログイン系はネスト形式で返す（本物のバックエンドと同じ形）
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   userResponse(acct),
		"tokens": pair,
	})
}

// POST /auth/login/oauth
// スタブでは任意の非空プロバイダトークンを受け入れる。
func (s *Server) handleLoginOAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "provider and token are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := "oauth:" + req.Provider
	acct, ok := s.accounts[key]
	if !ok {
		acct = &account{ID: uuid.New().String(), Verified: true}
		s.accounts[key] = acct
	}

	pair, err := s.mintLocked(acct)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to mint tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   userResponse(acct),
		"tokens": pair,
	})
}

// POST /auth/logout
// ベアラーの持ち主のリフレッシュトークンを全て失効させる。
// トークンなしの呼び出しもエラーにしない（クライアントは結果に関わらず破棄する）。
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if access, ok := bearerToken(r); ok {
		if sub, err := s.subject(access); err == nil {
			s.mu.Lock()
			for rt, id := range s.refresh {
				if id == sub {
					delete(s.refresh, rt)
				}
			}
			s.mu.Unlock()
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// tokenPair はスタブが発行するトークンの組。
type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// mintLocked はアカウントへ新しいトークンペアを発行する。s.muを保持して呼ぶこと。
func (s *Server) mintLocked(acct *account) (tokenPair, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": acct.ID,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(s.config.AccessTTL).Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.JWTSecret)
	if err != nil {
		return tokenPair{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshBytes := make([]byte, 32)
	if _, err := rand.Read(refreshBytes); err != nil {
		return tokenPair{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	refreshToken := hex.EncodeToString(refreshBytes)
	s.refresh[refreshToken] = acct.ID

	return tokenPair{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.config.AccessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// subject はアクセストークンのsubクレームを検証付きで取り出す。
func (s *Server) subject(access string) (string, error) {
	tok, err := jwt.Parse(access, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.config.JWTSecret, nil
	})
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("access token is not valid: %w", err)
	}
	return tok.Claims.GetSubject()
}

func (s *Server) accountByIDLocked(id string) *account {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// tokenResponse はフラット形式のトークンレスポンスを組み立てる。
func tokenResponse(pair tokenPair, acct *account) map[string]any {
	return map[string]any{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
		"tokenType":    pair.TokenType,
		"user":         userResponse(acct),
	}
}

func userResponse(acct *account) map[string]string {
	return map[string]string{
		"id":     acct.ID,
		"mobile": acct.Mobile,
		"email":  acct.Email,
	}
}

// generateCode は6桁のOTPコードを生成する。
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(h, "Bearer "), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
