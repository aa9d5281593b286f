package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{
			name:      "future expiry",
			expiresAt: time.Now().Add(time.Hour),
			want:      false,
		},
		{
			name:      "long expired",
			expiresAt: time.Now().Add(-time.Hour),
			want:      true,
		},
		{
			name:      "zero time never expires",
			expiresAt: time.Time{},
			want:      false,
		},
		{
			name:      "just expired but within grace period",
			expiresAt: time.Now().Add(-time.Second),
			want:      false,
		},
		{
			name:      "expired beyond grace period",
			expiresAt: time.Now().Add(-DefaultClockSkewGracePeriod - time.Second),
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	expiresAt := time.Now().Add(-30 * time.Second)

	if IsTokenExpiredWithGracePeriod(expiresAt, time.Minute) {
		t.Error("token within custom grace period should not be expired")
	}
	if !IsTokenExpiredWithGracePeriod(expiresAt, time.Second) {
		t.Error("token beyond custom grace period should be expired")
	}
	if IsTokenExpiredWithGracePeriod(time.Time{}, 0) {
		t.Error("zero expiry should never be expired")
	}
}
