package middleware

import (
	"testing"

	"github.com/kelvinbot/kelvin/internal/bus"
)

func TestNewPosterValidatesSchedule(t *testing.T) {
	cmdCh := make(chan bus.Command, 1)

	tests := []struct {
		name     string
		schedule string
		wantErr  bool
	}{
		{"every minute", "* * * * *", false},
		{"daily at nine", "0 9 * * *", false},
		{"weekday mornings", "30 8 * * 1-5", false},
		{"garbage", "not a schedule", true},
		{"empty", "", true},
		{"minute out of range", "61 * * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPoster(cmdCh, PosterConfig{
				Schedule:    tt.schedule,
				DestService: "matrix",
				DestRoom:    "!room:example.org",
				Body:        "reminder",
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPoster() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPosterPassesEventsThrough(t *testing.T) {
	cmdCh := make(chan bus.Command, 1)
	p, err := NewPoster(cmdCh, PosterConfig{
		Schedule:    "* * * * *",
		DestService: "matrix",
		DestRoom:    "!room:example.org",
	})
	if err != nil {
		t.Fatal(err)
	}

	ev := bus.Event{ServiceID: "mumble", Kind: bus.RoomMessage{RoomID: "r", Body: "x"}}
	verdict, err := p.OnEvent(&ev)
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	if verdict != bus.VerdictContinue {
		t.Errorf("OnEvent() verdict = %v, want continue", verdict)
	}
}
