package queue

import (
	"testing"
)

func TestGetBuffer_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize uint32
		expectCap   int
	}{
		{"8B bucket - exact", 8, 8},
		{"8B bucket - smaller", 4, 8},
		{"32B bucket - exact", 32, 32},
		{"32B bucket - smaller", 20, 32},
		{"128B bucket - exact", 128, 128},
		{"128B bucket - smaller", 100, 128},
		{"512B bucket - exact", 512, 512},
		{"512B bucket - smaller", 400, 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.requestSize)
			if len(buf) != int(tt.requestSize) {
				t.Errorf("GetBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("GetBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			PutBuffer(buf)
		})
	}
}

func TestBufferPool_Reuse(t *testing.T) {
	// Get a buffer
	buf1 := GetBuffer(size8)
	ptr1 := &buf1[0]
	PutBuffer(buf1)

	// Get another buffer of the same size - should reuse
	buf2 := GetBuffer(size8)
	ptr2 := &buf2[0]
	PutBuffer(buf2)

	// Note: sync.Pool may or may not reuse immediately, but addresses should be same
	// when the pool is warm. This test verifies the basic pooling mechanism works.
	if ptr1 == ptr2 {
		t.Log("Buffer was successfully reused from pool")
	} else {
		t.Log("Buffer was not reused (sync.Pool GC behavior)")
	}
}

func TestPutBuffer_NonStandardCap(t *testing.T) {
	// Create a buffer with non-standard capacity
	buf := make([]byte, 100) // not a standard bucket
	// This should not panic
	PutBuffer(buf)
}

func BenchmarkGetBuffer_8B(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(size8)
		PutBuffer(buf)
	}
}

func BenchmarkGetBuffer_32B(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(size32)
		PutBuffer(buf)
	}
}

func BenchmarkGetBuffer_128B(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(size128)
		PutBuffer(buf)
	}
}

func BenchmarkGetBuffer_512B(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(size512)
		PutBuffer(buf)
	}
}

func BenchmarkMakeBuffer_8B(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = make([]byte, size8)
	}
}

func BenchmarkMakeBuffer_512B(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = make([]byte, size512)
	}
}
