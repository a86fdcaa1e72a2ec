// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package recording

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFprobeProber extracts Metadata by shelling out to ffprobe's JSON
// output mode, the same tool the Recording contract's capture process is
// built around.
type FFprobeProber struct {
	BinPath string
	Timeout time.Duration
}

func NewFFprobeProber(binPath string) *FFprobeProber {
	if binPath == "" {
		binPath = "ffprobe"
	}
	return &FFprobeProber{BinPath: binPath, Timeout: 5 * time.Second}
}

type ffprobeFormat struct {
	DurationStr string `json:"duration"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
}

type ffprobeOutput struct {
	Format  ffprobeFormat    `json:"format"`
	Streams []ffprobeStream  `json:"streams"`
}

func (p *FFprobeProber) Probe(ctx context.Context, path string) (Metadata, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.BinPath,
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,codec_name,width,height,r_frame_rate",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, err
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Metadata{}, err
	}

	meta := Metadata{}
	if d, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.DurationStr), 64); err == nil {
		meta.DurationSecs = d
	}
	for _, s := range parsed.Streams {
		if s.CodecType != "video" {
			continue
		}
		meta.Codec = s.CodecName
		meta.Width = s.Width
		meta.Height = s.Height
		meta.FPS = parseFrameRate(s.RFrameRate)
		break
	}

	if fi, err := os.Stat(path); err == nil {
		meta.SizeBytes = fi.Size()
	}
	return meta, nil
}

// parseFrameRate converts ffprobe's "30000/1001" rational notation into a
// float, returning 0 for anything malformed rather than erroring the
// whole probe over a cosmetic field.
func parseFrameRate(raw string) float64 {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
