package main

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-triage/internal/conditioner"
	"github.com/loqalabs/loqa-triage/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFromStdin(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, classifyCmd(nil, strings.NewReader("there was an accident on the highway\n"), &out))

	var v risk.Verdict
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, risk.TierHigh, v.Tier)
	assert.Equal(t, 10.0, v.Score)
	assert.Equal(t, "Accident", v.EmergencyCategory)
}

func TestTaxonomyDumpValidates(t *testing.T) {
	var dump bytes.Buffer
	require.NoError(t, taxonomyCmd([]string{"dump"}, &dump))

	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, dump.Bytes(), 0o644))

	var out bytes.Buffer
	require.NoError(t, taxonomyCmd([]string{"validate", "-file", path}, &out))
	assert.Contains(t, out.String(), "taxonomy valid")

	require.Error(t, taxonomyCmd([]string{"lint"}, &out))
}

func TestConditionWritesWav(t *testing.T) {
	dir := t.TempDir()
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	in := filepath.Join(dir, "in.wav")
	f, err := os.Create(in)
	require.NoError(t, err)
	require.NoError(t, conditioner.EncodeWAV(f, conditioner.Result{Samples: samples, SampleRate: 8000}))
	require.NoError(t, f.Close())

	dst := filepath.Join(dir, "out.wav")
	var out bytes.Buffer
	require.NoError(t, conditionCmd([]string{"-in", in, "-out", dst, "-no-denoise"}, &out))
	assert.Contains(t, out.String(), "16000 Hz")

	r, err := os.Open(dst)
	require.NoError(t, err)
	defer r.Close()
	buf, err := conditioner.DecodeWAV(r)
	require.NoError(t, err)
	assert.Equal(t, 16000, buf.Format.SampleRate)
	assert.Len(t, buf.Data, 16000)

	require.Error(t, conditionCmd(nil, &out))
}
