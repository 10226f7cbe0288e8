package security

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	apperrors "trade-connector/internal/errors"
)

// Metadata is the free-form description carried by a container. Numbers
// read from disk are json.Number so they are re-saved unchanged.
type Metadata map[string]any

// String returns the string value of key, or def.
func (m Metadata) String(key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Float returns the numeric value of key, or def.
func (m Metadata) Float(key string, def float64) float64 {
	switch v := m[key].(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// SecuredModel is an encrypted, host-bound model container.
type SecuredModel struct {
	ModelID    string
	Ciphertext []byte
	HWIDHash   string
	ModelHash  string
	Metadata   Metadata
}

// containerFile is the on-disk layout.
type containerFile struct {
	ModelID       string   `json:"model_id"`
	EncryptedData string   `json:"encrypted_data"`
	HWIDHash      string   `json:"hwid_hash"`
	ModelHash     string   `json:"model_hash"`
	Metadata      Metadata `json:"metadata"`
}

// ModelSummary describes a saved container for listings.
type ModelSummary struct {
	ModelID   string
	Name      string
	Symbol    string
	Accuracy  float64
	CreatedAt string
	FileSize  int64
}

// Save writes secured to <dir>/<model_id>.nexmodel, replacing any previous file.
func (s *Service) Save(secured *SecuredModel) (string, error) {
	if err := ValidateModelID(secured.ModelID); err != nil {
		return "", err
	}

	metadata := secured.Metadata
	if metadata == nil {
		metadata = Metadata{}
	}
	data, err := json.MarshalIndent(containerFile{
		ModelID:       secured.ModelID,
		EncryptedData: base64.StdEncoding.EncodeToString(secured.Ciphertext),
		HWIDHash:      secured.HWIDHash,
		ModelHash:     secured.ModelHash,
		Metadata:      metadata,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serializing container: %w", err)
	}

	path := s.containerPath(secured.ModelID)
	tmp, err := os.CreateTemp(s.dir, "."+secured.ModelID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp container: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing container: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return "", fmt.Errorf("setting container permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing container: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("renaming container: %w", err)
	}

	s.logger.Info().Str("model_id", secured.ModelID).Str("path", path).Msg("model saved")
	return path, nil
}

// Load reads the container for modelID.
func (s *Service) Load(modelID string) (*SecuredModel, error) {
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.containerPath(modelID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NewModelError(modelID, "load", apperrors.ErrContainerNotFound)
		}
		return nil, apperrors.NewModelError(modelID, "load", err)
	}

	secured, err := parseContainer(data)
	if err != nil {
		return nil, apperrors.NewModelError(modelID, "load", err)
	}
	if secured.ModelID != modelID {
		return nil, apperrors.NewModelError(modelID, "load",
			fmt.Errorf("%w: container holds model %q", apperrors.ErrContainerCorrupt, secured.ModelID))
	}
	return secured, nil
}

func parseContainer(data []byte) (*SecuredModel, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var f containerFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrContainerCorrupt, err)
	}
	if f.ModelID == "" || f.HWIDHash == "" || f.ModelHash == "" {
		return nil, fmt.Errorf("%w: missing required field", apperrors.ErrContainerCorrupt)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(f.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted_data: %v", apperrors.ErrContainerCorrupt, err)
	}

	if f.Metadata == nil {
		f.Metadata = Metadata{}
	}
	return &SecuredModel{
		ModelID:    f.ModelID,
		Ciphertext: ciphertext,
		HWIDHash:   f.HWIDHash,
		ModelHash:  f.ModelHash,
		Metadata:   f.Metadata,
	}, nil
}

// List returns the ids of all saved containers in lexical order.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading models directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ContainerExt {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ContainerExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ListWithMetadata summarises all saved containers sorted by name.
// Containers that cannot be read are still listed with placeholder values.
func (s *Service) ListWithMetadata() ([]ModelSummary, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}

	summaries := make([]ModelSummary, 0, len(ids))
	for _, id := range ids {
		var size int64
		if info, err := os.Stat(s.containerPath(id)); err == nil {
			size = info.Size()
		}

		secured, err := s.Load(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("model_id", id).Msg("failed to read model metadata")
			summaries = append(summaries, ModelSummary{
				ModelID:   id,
				Name:      shortID(id) + "...",
				Symbol:    "Unknown",
				CreatedAt: "Unknown",
				FileSize:  size,
			})
			continue
		}

		md := secured.Metadata
		summaries = append(summaries, ModelSummary{
			ModelID:   id,
			Name:      md.String("name", shortID(id)),
			Symbol:    md.String("symbol", "Unknown"),
			Accuracy:  md.Float("accuracy", 0),
			CreatedAt: md.String("created_at", "Unknown"),
			FileSize:  size,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})
	return summaries, nil
}

// Delete removes the container for modelID. It reports false when no such
// container exists.
func (s *Service) Delete(modelID string) (bool, error) {
	if err := ValidateModelID(modelID); err != nil {
		return false, err
	}

	err := os.Remove(s.containerPath(modelID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting model %s: %w", modelID, err)
	}

	s.logger.Info().Str("model_id", modelID).Msg("model deleted")
	s.audit.LogModel(context.Background(), AuditModelDeleted, modelID, true, "")
	return true, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
