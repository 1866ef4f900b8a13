//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/memberboard/apiserver/config"
	"github.com/memberboard/apiserver/internal/db"
	"github.com/memberboard/apiserver/internal/server"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

const (
	serverPort = 18080
	password   = "testpass123"
)

var baseURL = fmt.Sprintf("http://localhost:%d", serverPort)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	setTestEnv()
	if err := dockerCompose(ctx, root, "up", "-d", "postgres"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := server.New(ctx, config.LoadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}
	go func() {
		_ = srv.Start()
	}()

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown(context.Background())
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown(context.Background())
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func TestMembershipLifecycle(t *testing.T) {
	suffix := time.Now().UnixNano()
	adminEmail := fmt.Sprintf("admin_%d@example.com", suffix)
	memberEmail := fmt.Sprintf("member_%d@example.com", suffix)

	adminClient := newClient(t)
	memberClient := newClient(t)

	register(t, adminClient, adminEmail)
	member := register(t, memberClient, memberEmail)

	// Unverified password logins are refused with a distinct code.
	status, body := doJSON(t, memberClient, http.MethodPost, "/api/auth/login", map[string]string{
		"email": memberEmail, "password": password,
	})
	if status != http.StatusForbidden || !bytes.Contains(body, []byte(`"unverified"`)) {
		t.Fatalf("unverified login: status %d body %s", status, body)
	}

	markVerified(t, adminEmail)
	markVerified(t, memberEmail)
	admin := promote(t, adminEmail)

	login(t, adminClient, adminEmail)
	login(t, memberClient, memberEmail)

	status, body = doJSON(t, memberClient, http.MethodPost, "/api/posts", map[string]string{
		"title": "hello", "body": "first post",
	})
	if status != http.StatusCreated {
		t.Fatalf("create post: status %d body %s", status, body)
	}

	// A regular member cannot reach the admin API.
	status, _ = doJSON(t, memberClient, http.MethodGet, "/api/admin/users", nil)
	if status != http.StatusForbidden {
		t.Fatalf("member admin list: status %d", status)
	}

	status, body = doJSON(t, adminClient, http.MethodDelete, "/api/admin/users/"+admin.ID.String(), nil)
	if status != http.StatusBadRequest || !bytes.Contains(body, []byte(`"self_action"`)) {
		t.Fatalf("self delete: status %d body %s", status, body)
	}

	status, body = doJSON(t, adminClient, http.MethodDelete, "/api/admin/users/"+member.ID.String(), nil)
	if status != http.StatusOK {
		t.Fatalf("delete member: status %d body %s", status, body)
	}
	var deleted struct {
		Deleted store.CascadeResult `json:"deleted"`
	}
	if err := json.Unmarshal(body, &deleted); err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	if deleted.Deleted.Posts != 1 {
		t.Fatalf("expected 1 deleted post, got %d", deleted.Deleted.Posts)
	}

	// The member's token is still well formed but the identity is gone.
	status, _ = doJSON(t, memberClient, http.MethodGet, "/api/auth/session?refresh=true", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("refresh after delete: status %d", status)
	}
}

func TestGuardRedirects(t *testing.T) {
	client := newClient(t)
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Get(baseURL + "/dashboard?tab=posts")
	if err != nil {
		t.Fatalf("get dashboard: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/login?callbackUrl=%2Fdashboard%3Ftab%3Dposts" {
		t.Fatalf("unexpected redirect %q", got)
	}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func register(t *testing.T, client *http.Client, email string) types.Identity {
	t.Helper()
	status, body := doJSON(t, client, http.MethodPost, "/api/auth/register", map[string]string{
		"email": email, "password": password, "name": "E2E",
	})
	if status != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", email, status, body)
	}
	var identity types.Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	return identity
}

func login(t *testing.T, client *http.Client, email string) {
	t.Helper()
	status, body := doJSON(t, client, http.MethodPost, "/api/auth/login", map[string]string{
		"email": email, "password": password,
	})
	if status != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", email, status, body)
	}
}

func withRepo(t *testing.T, fn func(context.Context, *store.IdentityRepository) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, config.LoadConfig())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := fn(ctx, store.NewIdentityRepository(conn)); err != nil {
		t.Fatal(err)
	}
}

func markVerified(t *testing.T, email string) {
	withRepo(t, func(ctx context.Context, repo *store.IdentityRepository) error {
		_, err := repo.MarkEmailVerified(ctx, email, time.Now().UTC())
		return err
	})
}

func promote(t *testing.T, email string) types.Identity {
	var promoted types.Identity
	withRepo(t, func(ctx context.Context, repo *store.IdentityRepository) error {
		identity, err := repo.FindIdentityByEmail(ctx, email)
		if err != nil {
			return err
		}
		promoted, err = repo.UpdateIdentityRole(ctx, identity.ID, types.RoleAdmin)
		return err
	})
	return promoted
}

func setTestEnv() {
	_ = os.Setenv("SESSION_SECRET", "e2e-session-secret-e2e-session-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "memberboard")
	_ = os.Setenv("DB_PASSWORD", "memberboard")
	_ = os.Setenv("DB_NAME", "memberboard")
	_ = os.Setenv("DB_SSL", "false")
	_ = os.Setenv("BCRYPT_COST", "4")
	_ = os.Setenv("RATE_LIMIT_ENABLED", "false")
}

func waitForPostgres(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		conn, err := db.Open(ctx, config.LoadConfig())
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return errors.New("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	cfg := config.LoadConfig()
	migrationsURL := "file://" + filepath.Join(root, "internal", "db", "migrations")

	migrator, err := migrate.New(migrationsURL, db.DSN(cfg.Database))
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
