// Package model defines the shared data model for the control plane:
// model sessions, instance configurations, and the messages exchanged
// between scheduler, backends, and frontends.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ModelSession identifies one served model variant together with its
// latency target.
type ModelSession struct {
	Framework   string `json:"framework" yaml:"framework"`
	ModelName   string `json:"model_name" yaml:"model_name"`
	Version     uint32 `json:"version" yaml:"version"`
	LatencySLA  uint32 `json:"latency_sla" yaml:"latency_sla"` // milliseconds
	ImageHeight uint32 `json:"image_height,omitempty" yaml:"image_height,omitempty"`
	ImageWidth  uint32 `json:"image_width,omitempty" yaml:"image_width,omitempty"`
}

// ProfileID returns the canonical key used to look up offline profiles.
// Two sessions with the same profile id share one latency curve.
func (s ModelSession) ProfileID() string {
	var b strings.Builder
	b.WriteString(s.Framework)
	b.WriteByte(':')
	b.WriteString(s.ModelName)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(uint64(s.Version), 10))
	if s.ImageHeight > 0 && s.ImageWidth > 0 {
		fmt.Fprintf(&b, ":%dx%d", s.ImageHeight, s.ImageWidth)
	}
	return b.String()
}

// ID returns the full session id, which extends the profile id with the
// latency SLA. Executors and routing tables are keyed by this value.
func (s ModelSession) ID() string {
	return s.ProfileID() + ":" + strconv.FormatUint(uint64(s.LatencySLA), 10)
}

// SLA returns the session latency target as a duration.
func (s ModelSession) SLA() time.Duration {
	return time.Duration(s.LatencySLA) * time.Millisecond
}

// Validate reports whether the session names a loadable model variant.
func (s ModelSession) Validate() error {
	if s.Framework == "" {
		return fmt.Errorf("model session: missing framework")
	}
	if s.ModelName == "" {
		return fmt.Errorf("model session: missing model name")
	}
	if s.Version == 0 {
		return fmt.Errorf("model session %s/%s: missing version", s.Framework, s.ModelName)
	}
	if s.LatencySLA == 0 {
		return fmt.Errorf("model session %s/%s: missing latency sla", s.Framework, s.ModelName)
	}
	if (s.ImageHeight == 0) != (s.ImageWidth == 0) {
		return fmt.Errorf("model session %s/%s: image height and width must be set together", s.Framework, s.ModelName)
	}
	return nil
}

// ParseSessionID is the inverse of ModelSession.ID.
func ParseSessionID(id string) (ModelSession, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return ModelSession{}, fmt.Errorf("parse session id %q: want 4 or 5 segments, got %d", id, len(parts))
	}
	sess := ModelSession{
		Framework: parts[0],
		ModelName: parts[1],
	}
	version, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return ModelSession{}, fmt.Errorf("parse session id %q: version: %w", id, err)
	}
	sess.Version = uint32(version)

	dims := ""
	slaPart := parts[3]
	if len(parts) == 5 {
		dims = parts[3]
		slaPart = parts[4]
	}
	if dims != "" {
		hw := strings.SplitN(dims, "x", 2)
		if len(hw) != 2 {
			return ModelSession{}, fmt.Errorf("parse session id %q: malformed dimensions %q", id, dims)
		}
		height, err := strconv.ParseUint(hw[0], 10, 32)
		if err != nil {
			return ModelSession{}, fmt.Errorf("parse session id %q: image height: %w", id, err)
		}
		width, err := strconv.ParseUint(hw[1], 10, 32)
		if err != nil {
			return ModelSession{}, fmt.Errorf("parse session id %q: image width: %w", id, err)
		}
		sess.ImageHeight = uint32(height)
		sess.ImageWidth = uint32(width)
	}
	sla, err := strconv.ParseUint(slaPart, 10, 32)
	if err != nil {
		return ModelSession{}, fmt.Errorf("parse session id %q: latency sla: %w", id, err)
	}
	sess.LatencySLA = uint32(sla)
	return sess, nil
}
