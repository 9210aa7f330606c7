package story

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taleweaver/taleweaver/pkg/models"
)

// SceneCharacter is one cast member as reported by the narrator for the
// current scene.
type SceneCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// MergeCharacters folds the narrator's scene cast into the session registry
// for the given round. Rules:
//   - entries without a name are dropped
//   - new characters without a description are skipped with a warning, so a
//     later scene can introduce them properly
//   - known characters keep their original description; only last_seen_round
//     advances
//
// The input slice is not modified; the merged registry is returned along with
// the names actually present in the scene (for image prompts).
func MergeCharacters(registry []models.Character, scene []SceneCharacter, round int, logger zerolog.Logger) ([]models.Character, []string) {
	merged := make([]models.Character, len(registry))
	copy(merged, registry)

	index := make(map[string]int, len(merged))
	for i, c := range merged {
		index[c.Name] = i
	}

	var present []string
	for _, sc := range scene {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			continue
		}

		if i, ok := index[name]; ok {
			if round > merged[i].LastSeenRound {
				merged[i].LastSeenRound = round
			}
			present = append(present, name)
			continue
		}

		desc := strings.TrimSpace(sc.Description)
		if desc == "" {
			logger.Warn().Str("character", name).Int("round", round).
				Msg("New character without description, skipping registry entry")
			present = append(present, name)
			continue
		}

		index[name] = len(merged)
		merged = append(merged, models.Character{
			Name:           name,
			Description:    desc,
			FirstSeenRound: round,
			LastSeenRound:  round,
		})
		present = append(present, name)
	}

	return merged, present
}

// FormatRegistry renders the registry as "Name: description" lines for the
// narrator prompt.
func FormatRegistry(registry []models.Character) string {
	if len(registry) == 0 {
		return "(none yet)"
	}
	var sb strings.Builder
	for i, c := range registry {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(c.Name)
		if c.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(c.Description)
		}
	}
	return sb.String()
}

// SceneDescriptions returns "Name: description" lines for the named
// characters only, in a stable order, for image prompt assembly. Characters
// without a registry entry appear as bare names.
func SceneDescriptions(registry []models.Character, names []string) string {
	byName := make(map[string]models.Character, len(registry))
	for _, c := range registry {
		byName[c.Name] = c
	}

	sorted := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var sb strings.Builder
	for i, n := range sorted {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(n)
		if c, ok := byName[n]; ok && c.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(c.Description)
		}
	}
	return sb.String()
}
