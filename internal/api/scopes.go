package api

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/models"
)

// ScopeInfo describes one OAuth scope from the local scope library.
type ScopeInfo struct {
	Scope       string           `json:"scope"`
	DisplayName string           `json:"displayName"`
	Description string           `json:"description"`
	RiskLevel   models.RiskLevel `json:"riskLevel"`
	DataTypes   []string         `json:"dataTypes"`
}

type scopeLibraryFile struct {
	Scopes []ScopeInfo `json:"scopes"`
}

// ScopeLibrary resolves scope strings to display metadata. The backing
// JSON file is hot-reloaded on change; lookups keep serving the previous
// contents while a broken file sits on disk.
type ScopeLibrary struct {
	path string

	mu     sync.RWMutex
	scopes map[string]ScopeInfo
}

// LoadScopeLibrary reads the library file. A missing file yields an empty
// library; scopes then enrich to unknown.
func LoadScopeLibrary(path string) (*ScopeLibrary, error) {
	lib := &ScopeLibrary{path: path, scopes: make(map[string]ScopeInfo)}
	if err := lib.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		log.Warn().Str("path", path).Msg("Scope library file missing, starting empty")
	}
	return lib, nil
}

func (l *ScopeLibrary) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var file scopeLibraryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	scopes := make(map[string]ScopeInfo, len(file.Scopes))
	for _, s := range file.Scopes {
		scopes[s.Scope] = s
	}
	l.mu.Lock()
	l.scopes = scopes
	l.mu.Unlock()
	log.Info().Str("path", l.path).Int("scopes", len(scopes)).Msg("Scope library loaded")
	return nil
}

// Watch reloads the library whenever the file changes, until ctx ends.
func (l *ScopeLibrary) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.reload(); err != nil {
					log.Error().Err(err).Str("path", l.path).Msg("Scope library reload failed, keeping previous")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Scope library watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Lookup resolves one scope string.
func (l *ScopeLibrary) Lookup(scope string) (ScopeInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.scopes[scope]
	return info, ok
}

// EnrichedScope is the per-scope detail the API returns. Unknown scopes
// come back with the raw string and an unclassified risk.
type EnrichedScope struct {
	Scope       string           `json:"scope"`
	DisplayName string           `json:"displayName"`
	Description string           `json:"description,omitempty"`
	RiskLevel   models.RiskLevel `json:"riskLevel"`
	DataTypes   []string         `json:"dataTypes,omitempty"`
	Known       bool             `json:"known"`
}

// Enrich maps raw scope strings to library entries and the aggregate
// overall risk (the maximum scope risk level seen).
func (l *ScopeLibrary) Enrich(scopes []string) ([]EnrichedScope, models.RiskLevel) {
	overall := models.RiskLow
	out := make([]EnrichedScope, 0, len(scopes))
	for _, raw := range scopes {
		info, ok := l.Lookup(raw)
		if !ok {
			out = append(out, EnrichedScope{Scope: raw, DisplayName: raw, RiskLevel: models.RiskUnknown})
			continue
		}
		out = append(out, EnrichedScope{
			Scope:       info.Scope,
			DisplayName: info.DisplayName,
			Description: info.Description,
			RiskLevel:   info.RiskLevel,
			DataTypes:   info.DataTypes,
			Known:       true,
		})
		if riskRank(info.RiskLevel) > riskRank(overall) {
			overall = info.RiskLevel
		}
	}
	return out, overall
}

func riskRank(level models.RiskLevel) int {
	switch level {
	case models.RiskCritical:
		return 3
	case models.RiskHigh:
		return 2
	case models.RiskMedium:
		return 1
	default:
		return 0
	}
}
