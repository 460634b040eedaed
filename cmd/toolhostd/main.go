// Command toolhostd is the tool-server runtime daemon: it loads a manifest's
// tool libraries and policies, serves the RPC surface over HTTP, and drains
// in-flight calls on shutdown. Startup resolves an app directory, loads
// persisted settings, initializes logging, starts the HTTP server in
// a goroutine, then blocks on a signal channel for graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/toolhost/runtime/internal/toolhost/credential"
	"github.com/toolhost/runtime/internal/toolhost/daemonconfig"
	"github.com/toolhost/runtime/internal/toolhost/manifest"
	"github.com/toolhost/runtime/internal/toolhost/policy"
	"github.com/toolhost/runtime/internal/toolhost/registry"
	"github.com/toolhost/runtime/internal/toolhost/rpcservice"
	"github.com/toolhost/runtime/internal/toolhost/wasmabi"
	"github.com/toolhost/runtime/internal/toollog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func appDir() (string, error) {
	if dir := os.Getenv("TOOLHOST_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	return filepath.Join(configDir, "toolhost"), nil
}

func run() error {
	fmt.Println("toolhostd - initializing...")

	dir, err := appDir()
	if err != nil {
		return fmt.Errorf("resolve app directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create app dir: %w", err)
	}

	configStore := daemonconfig.NewStore(filepath.Join(dir, "settings.yaml"))
	settings, err := configStore.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logger, err := toollog.New(filepath.Join(dir, settings.LogDir))
	if err != nil {
		fmt.Printf("warning: failed to initialize persistent logging: %v\n", err)
		logger, _ = toollog.New(os.TempDir())
	}
	defer logger.Close()

	logger.Info("toolhostd starting", map[string]any{"app_dir": dir})

	manifestPath := settings.ManifestPath
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(dir, manifestPath)
	}

	var m *manifest.Manifest
	if _, statErr := os.Stat(manifestPath); statErr == nil {
		m, err = manifest.Load(manifestPath)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
	} else {
		logger.Warn("no manifest found, starting with an empty registry", map[string]any{"path": manifestPath})
		m = manifest.Empty()
	}

	ctx := context.Background()

	loader, err := wasmabi.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize wasm runtime: %w", err)
	}
	defer loader.Close(ctx)

	reg := registry.NewWithDefaultDim(settings.DefaultEmbeddingDim)
	credStore := newCredentialStore(settings)

	searchDirs := make([]string, len(settings.LibrarySearchDirs))
	for i, d := range settings.LibrarySearchDirs {
		if filepath.IsAbs(d) {
			searchDirs[i] = d
		} else {
			searchDirs[i] = filepath.Join(dir, d)
		}
	}

	for _, tool := range m.EnabledTools() {
		libPath, resolveErr := m.ResolvePath(tool, searchDirs)
		if resolveErr != nil {
			logger.Error("failed to resolve tool library", map[string]any{"tool": tool.Name, "error": resolveErr.Error()})
			continue
		}

		creds := map[string][]byte{}
		for functionName, fields := range tool.Credentials {
			resolved := resolveFunctionCredentials(ctx, credStore, tool.Name, fields, logger)
			if len(resolved) > 0 {
				if encoded, marshalErr := encodeCredentials(resolved); marshalErr == nil {
					creds[functionName] = encoded
				}
			}
		}

		if _, loadErr := reg.LoadLibrary(ctx, loader, libPath, tool.Checksum, creds); loadErr != nil {
			logger.Error("failed to load tool library", map[string]any{"path": libPath, "error": loadErr.Error()})
			continue
		}
		logger.Info("loaded tool library", map[string]any{"path": libPath})
	}

	definitions, err := m.ResolvePolicies()
	if err != nil {
		return fmt.Errorf("resolve policies: %w", err)
	}
	engine := policy.New(definitions)

	service := rpcservice.New(reg, engine, logger)

	server := &http.Server{Addr: settings.ListenAddr, Handler: service}

	logger.Info("starting rpc service", map[string]any{"addr": settings.ListenAddr})
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rpc service failed", map[string]any{"error": err.Error()})
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println("\nshutting down gracefully...")
	logger.Info("shutdown requested", nil)

	drainTimeout := time.Duration(settings.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", map[string]any{"error": err.Error()})
	}

	if residual := reg.Drain(shutdownCtx); residual > 0 {
		logger.Error("registry drain timed out", map[string]any{"inflight": residual})
	}

	return nil
}

func encodeCredentials(values map[string]string) ([]byte, error) {
	parts := make([]byte, 0, 64)
	for k, v := range values {
		parts = append(parts, []byte(k+"="+v+"\n")...)
	}
	return parts, nil
}

// newCredentialStore selects the Store implementation named by
// settings.CredentialStore, falling back to an in-memory store for any
// unrecognized value rather than failing startup.
func newCredentialStore(settings daemonconfig.Settings) credential.Store {
	if settings.CredentialStore == "keychain" {
		return credential.NewKeychain("toolhost")
	}
	return credential.NewMemoryStore()
}

// resolveFunctionCredentials resolves one tool function's declared
// credential fields. A field block carrying auth_type = "oauth2" is
// resolved via an OAuth2 client-credentials exchange instead of a plain
// store lookup, with the fetched bearer token injected as access_token.
func resolveFunctionCredentials(ctx context.Context, store credential.Store, toolName string, fields map[string]string, logger *toollog.Logger) map[string]string {
	if fields["auth_type"] == "oauth2" {
		var scopes []string
		if raw := fields["scopes"]; raw != "" {
			scopes = strings.Split(raw, ",")
		}
		resolver := credential.NewOAuthResolver(fields["client_id"], fields["client_secret"], fields["token_url"], scopes)
		token, err := resolver.Token(ctx)
		if err != nil {
			logger.Warn("oauth2 credential resolution failed", map[string]any{"tool": toolName, "error": err.Error()})
			return nil
		}
		return map[string]string{"access_token": token}
	}

	resolved := make(map[string]string, len(fields))
	for field := range fields {
		if value, err := store.Get(toolName, field); err == nil {
			resolved[field] = value
		}
	}
	return resolved
}
