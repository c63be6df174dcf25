package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const probeTimeout = 10 * time.Second

var errNoVideoStream = errors.New("no video stream with a known frame rate")

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// ProbeFPS asks ffprobe for the native frame rate of input
func ProbeFPS(input string) (float64, error) {
	kw := ffmpeg.KwArgs{"select_streams": "v:0"}
	if strings.HasPrefix(input, "rtsp://") {
		kw["rtsp_transport"] = "tcp"
	}
	out, err := ffmpeg.ProbeWithTimeout(input, probeTimeout, kw)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", input, err)
	}
	return frameRateFromProbe([]byte(out))
}

// frameRateFromProbe picks the first video stream's rate from ffprobe JSON,
// preferring avg_frame_rate over r_frame_rate
func frameRateFromProbe(data []byte) (float64, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("invalid ffprobe output: %w", err)
	}
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		if fps, ok := ParseFrameRate(s.AvgFrameRate); ok {
			return fps, nil
		}
		if fps, ok := ParseFrameRate(s.RFrameRate); ok {
			return fps, nil
		}
	}
	return 0, errNoVideoStream
}

// ParseFrameRate reads ffmpeg rationals ("30000/1001") and plain numbers.
// Zero, negative and 0/0 rates are reported as unknown.
func ParseFrameRate(s string) (float64, bool) {
	num, den, isRatio := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	d := 1.0
	if isRatio {
		if d, err = strconv.ParseFloat(den, 64); err != nil || d == 0 {
			return 0, false
		}
	}
	fps := n / d
	if fps <= 0 {
		return 0, false
	}
	return fps, true
}
