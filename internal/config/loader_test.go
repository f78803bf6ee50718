package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/segstream/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string // empty means valid
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: "server.log_level",
		},
		{
			name:    "invalid mode",
			yaml:    "segmentation:\n  mode: audio\n",
			wantErr: "segmentation.mode",
		},
		{
			name:    "empty suffix",
			yaml:    "segmentation:\n  segmentation_suffix: \"\"\n",
			wantErr: "segmentation:",
		},
		{
			name:    "negative buffer",
			yaml:    "manager:\n  egress_buffer: -1\n",
			wantErr: "manager.egress_buffer",
		},
		{
			name:    "no segmenters",
			yaml:    "segmenters: []\n",
			wantErr: "at least one segmenter",
		},
		{
			name:    "missing name",
			yaml:    "segmenters:\n  - options: {}\n",
			wantErr: "segmenters[0].name",
		},
		{
			name:    "remote without base url",
			yaml:    "segmenters:\n  - name: remote\n",
			wantErr: "base_url",
		},
		{
			name:    "self fallback",
			yaml:    "segmenters:\n  - name: punct\n    fallback: punct\n",
			wantErr: "fallback",
		},
		{
			name:    "negative timeout",
			yaml:    "segmenters:\n  - name: punct\n    timeout: -1s\n",
			wantErr: "timeout",
		},
		{
			name: "unknown segmenter only warns",
			yaml: "segmenters:\n  - name: custom\n",
		},
		{
			name: "stream mode",
			yaml: "segmentation:\n  mode: stream\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should contain %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
segmentation:
  max_seg_size: 0
manager:
  ingress_buffer: -4
segmenters:
  - name: remote
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"server.log_level", "segmentation:", "manager.ingress_buffer", "base_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should contain %q, got: %v", want, err)
		}
	}
}
