package host

import (
	"context"
	"testing"
)

func TestSample(t *testing.T) {
	s := NewSampler(t.TempDir())

	st, err := s.Sample(context.Background())
	if err != nil {
		t.Skipf("host stats unavailable: %v", err)
	}

	if st.MemTotalBytes == 0 {
		t.Error("MemTotalBytes should be non-zero")
	}
	if st.MemUsedPercent < 0 || st.MemUsedPercent > 100 {
		t.Errorf("MemUsedPercent = %v, want 0-100", st.MemUsedPercent)
	}
	if st.DiskUsedPercent < 0 || st.DiskUsedPercent > 100 {
		t.Errorf("DiskUsedPercent = %v, want 0-100", st.DiskUsedPercent)
	}
	if st.DiskPath == "" {
		t.Error("DiskPath not reported")
	}
}

func TestSample_NoDisk(t *testing.T) {
	st, err := NewSampler("").Sample(context.Background())
	if err != nil {
		t.Skipf("host stats unavailable: %v", err)
	}
	if st.DiskPath != "" || st.DiskFreeBytes != 0 {
		t.Errorf("disk stats reported without a path: %+v", st)
	}
}

func TestSample_MissingDiskPath(t *testing.T) {
	_, err := NewSampler("/nonexistent/trackwatch/path").Sample(context.Background())
	if err == nil {
		t.Error("expected error for missing disk path")
	}
}
