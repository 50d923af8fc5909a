package aibot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	colorHueCycleHours = 192 // full color wheel every 8 days
	colorSunriseHour   = 6
	colorSunsetHour    = 18
	colorHistoryLimit  = 24
)

// RGB is a role color, persisted as a [r, g, b] JSON array.
type RGB [3]int

// Int packs the color the way the Discord API expects it.
func (c RGB) Int() int {
	return c[0]<<16 | c[1]<<8 | c[2]
}

func (c RGB) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// timeBasedColor generates a color from the current time:
//   - Hue cycles through the color wheel completely over 8 days
//   - Saturation rises from 0.3 at midnight to 1.0 at noon and back
//   - Lightness follows the sun cycle: brightening toward noon
//     (0.5-0.8), darkening toward midnight (0.5-0.2)
func timeBasedColor(now time.Time) RGB {
	totalHours := now.YearDay()*24 + now.Hour()
	hue := float64(totalHours%colorHueCycleHours) / colorHueCycleHours

	hour := now.Hour()
	var saturation float64
	if hour <= 12 {
		saturation = 0.3 + (float64(hour)/12)*0.7
	} else {
		saturation = 1.0 - (float64(hour-12)/12)*0.7
	}

	var lightness float64
	switch {
	case hour >= colorSunriseHour && hour < 12:
		// sunrise to noon: gradually get lighter
		progress := float64(hour-colorSunriseHour) / 6
		lightness = 0.5 + progress*0.3
	case hour >= 12 && hour < colorSunsetHour:
		// noon to sunset: gradually get darker
		progress := float64(hour-12) / 6
		lightness = 0.8 - progress*0.3
	case hour < colorSunriseHour:
		// midnight to sunrise: gradually get lighter
		progress := float64(hour) / colorSunriseHour
		lightness = 0.2 + progress*0.3
	default:
		// sunset to midnight: gradually get darker
		progress := float64(hour-colorSunsetHour) / 6
		if progress > 1 {
			progress = 1
		}
		lightness = 0.5 - progress*0.3
	}

	return hslToRGB(hue, saturation, lightness)
}

// hslToRGB converts hue/saturation/lightness (each 0-1) to RGB.
func hslToRGB(h, s, l float64) RGB {
	if s == 0 {
		v := int(math.Round(l * 255))
		return RGB{v, v, v}
	}

	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q

	hueToChannel := func(t float64) float64 {
		if t < 0 {
			t++
		}
		if t > 1 {
			t--
		}
		switch {
		case t < 1.0/6:
			return p + (q-p)*6*t
		case t < 1.0/2:
			return q
		case t < 2.0/3:
			return p + (q-p)*(2.0/3-t)*6
		default:
			return p
		}
	}

	return RGB{
		int(hueToChannel(h+1.0/3) * 255),
		int(hueToChannel(h) * 255),
		int(hueToChannel(h-1.0/3) * 255),
	}
}

// roleEditor is the slice of the Discord session the manager needs.
type roleEditor interface {
	GuildRoleEdit(
		guildID string,
		roleID string,
		data *discordgo.RoleParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Role, error)
}

// roleColorState is the JSON shape persisted to the state file:
// the last color applied per "guildID_roleID" key, plus a bounded
// history per key.
type roleColorState struct {
	Colors  map[string]RGB   `json:"colors"`
	History map[string][]RGB `json:"history"`
}

// RoleColorManager applies time-of-day colors to configured guild
// roles, skipping the Discord API call when a role's color is
// unchanged.
type RoleColorManager struct {
	mu      sync.Mutex
	cfg     *RoleColorConfig
	session roleEditor
	logger  *slog.Logger
	state   roleColorState

	// now is replaceable in tests
	now func() time.Time
}

func NewRoleColorManager(
	cfg *RoleColorConfig,
	session roleEditor,
	handler slog.Handler,
) *RoleColorManager {
	return &RoleColorManager{
		cfg:     cfg,
		session: session,
		logger:  slog.New(handler).With(loggerNameKey, "role_color"),
		state: roleColorState{
			Colors:  map[string]RGB{},
			History: map[string][]RGB{},
		},
		now: time.Now,
	}
}

// Load reads previously applied colors from the state file. A missing
// file is not an error.
func (m *RoleColorManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.cfg.StateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading role color state: %w", err)
	}

	var state roleColorState
	if err = json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("error parsing role color state: %w", err)
	}
	if state.Colors == nil {
		state.Colors = map[string]RGB{}
	}
	if state.History == nil {
		state.History = map[string][]RGB{}
		for key, color := range state.Colors {
			state.History[key] = []RGB{color}
		}
	}
	m.state = state
	m.logger.Info("loaded role color state", "roles", len(state.Colors))
	return nil
}

// Rotate applies the current time-based color to every configured role.
// Used as the handler for the built-in rotation task.
func (m *RoleColorManager) Rotate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	color := timeBasedColor(m.now())
	var errs []error
	changed := false

	for guildID, roleIDs := range m.cfg.Roles {
		for _, roleID := range roleIDs {
			key := fmt.Sprintf("%s_%s", guildID, roleID)

			if previous, ok := m.state.Colors[key]; ok && previous == color {
				m.logger.DebugContext(
					ctx,
					"role color unchanged, skipping",
					"key", key,
					"color", color.String(),
				)
				continue
			}

			colorValue := color.Int()
			if _, err := m.session.GuildRoleEdit(
				guildID,
				roleID,
				&discordgo.RoleParams{Color: &colorValue},
				discordgo.WithContext(ctx),
			); err != nil {
				errs = append(
					errs,
					fmt.Errorf("role %s in guild %s: %w", roleID, guildID, err),
				)
				m.logger.Error(
					"error changing role color",
					"key", key,
					"color", color.String(),
					tint.Err(err),
				)
				continue
			}

			m.logger.InfoContext(
				ctx,
				"changed role color",
				"key", key,
				"color", color.String(),
			)
			m.state.Colors[key] = color
			history := append(m.state.History[key], color)
			if len(history) > colorHistoryLimit {
				history = history[len(history)-colorHistoryLimit:]
			}
			m.state.History[key] = history
			changed = true
		}
	}

	if changed {
		if err := m.persistLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// persistLocked writes the state file atomically. Callers hold m.mu.
func (m *RoleColorManager) persistLocked() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling role color state: %w", err)
	}

	dir := filepath.Dir(m.cfg.StateFile)
	tmp, err := os.CreateTemp(dir, ".role-colors-*.json")
	if err != nil {
		return fmt.Errorf("error creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("error writing state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error closing state file: %w", err)
	}
	if err = os.Rename(tmpName, m.cfg.StateFile); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error replacing state file: %w", err)
	}
	return nil
}
