package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const requirements = `# analysis stack
streamlit==1.32.2
matplotlib == 3.8.3   # plotting
openseespy[full]==3.5.1.12 ; python_version >= "3.8"
numpy>=1.26,<2
pandas
--extra-index-url https://example.invalid/simple
`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(requirements))
	require.NoError(t, err)

	require.Len(t, m.Requirements, 5)
	assert.Equal(t, []string{"--extra-index-url https://example.invalid/simple"}, m.Options)

	streamlit := m.Requirements[0]
	assert.Equal(t, "streamlit", streamlit.Name)
	assert.Equal(t, "1.32.2", streamlit.Version())
	assert.Equal(t, 2, streamlit.Line)

	matplotlib := m.Requirements[1]
	assert.Equal(t, "==3.8.3", matplotlib.Specifier)

	ops := m.Requirements[2]
	assert.Equal(t, []string{"full"}, ops.Extras)
	assert.Equal(t, `python_version >= "3.8"`, ops.Markers)
	assert.True(t, ops.Pinned())

	numpy := m.Requirements[3]
	assert.Equal(t, ">=1.26,<2", numpy.Specifier)
	assert.False(t, numpy.Pinned())
	assert.Empty(t, numpy.Version())
}

func TestUnpinned(t *testing.T) {
	m, err := Parse(strings.NewReader(requirements))
	require.NoError(t, err)

	names := []string{}
	for _, r := range m.Unpinned() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"numpy", "pandas"}, names)
}

func TestEmptyManifest(t *testing.T) {
	for _, doc := range []string{"", "\n\n", "# nothing to install\n"} {
		m, err := Parse(strings.NewReader(doc))
		require.NoError(t, err)
		assert.True(t, m.Empty())
		assert.Empty(t, m.Unpinned())
	}
}

func TestParseError(t *testing.T) {
	_, err := Parse(strings.NewReader("streamlit==1.0\nmatplotlib ?? 3\n"))

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Line)
}

func TestDigestIgnoresFormatting(t *testing.T) {
	a, err := Parse(strings.NewReader("streamlit==1.32.2\nmatplotlib==3.8.3\n"))
	require.NoError(t, err)
	b, err := Parse(strings.NewReader("# pinned\nstreamlit == 1.32.2\n\nmatplotlib==3.8.3  # plots\n"))
	require.NoError(t, err)
	c, err := Parse(strings.NewReader("streamlit==1.32.3\nmatplotlib==3.8.3\n"))
	require.NoError(t, err)

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestParseFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := ParseFile(filepath.Join(t.TempDir(), "requirements.txt"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "requirements.txt")
		require.NoError(t, os.WriteFile(path, []byte(requirements), 0644))

		m, err := ParseFile(path)
		require.NoError(t, err)
		assert.Len(t, m.Requirements, 5)
	})
}

func TestParsePipForms(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    Requirement
		pinned  bool
		version string
	}{
		{
			name:    "hash pinned",
			doc:     "streamlit==1.32.0 --hash=sha256:aaa --hash sha256:bbb\n",
			want:    Requirement{Line: 1, Name: "streamlit", Specifier: "==1.32.0", Options: []string{"--hash=sha256:aaa", "--hash=sha256:bbb"}},
			pinned:  true,
			version: "1.32.0",
		},
		{
			name:    "continued lines",
			doc:     "# compiled\nstreamlit==1.32.0 \\\n    --hash=sha256:aaa \\\n    --hash=sha256:bbb\n",
			want:    Requirement{Line: 2, Name: "streamlit", Specifier: "==1.32.0", Options: []string{"--hash=sha256:aaa", "--hash=sha256:bbb"}},
			pinned:  true,
			version: "1.32.0",
		},
		{
			name: "direct reference",
			doc:  "openseespy @ https://files.invalid/openseespy-3.5.1-py3-none-any.whl\n",
			want: Requirement{Line: 1, Name: "openseespy", URL: "https://files.invalid/openseespy-3.5.1-py3-none-any.whl"},
		},
		{
			name:   "direct reference with hash and markers",
			doc:    "openseespy[full] @ https://files.invalid/o.whl ; python_version >= \"3.8\" --hash=sha256:ccc\n",
			want:   Requirement{Line: 1, Name: "openseespy", Extras: []string{"full"}, URL: "https://files.invalid/o.whl", Markers: `python_version >= "3.8"`, Options: []string{"--hash=sha256:ccc"}},
			pinned: true,
		},
		{
			name: "continuation at end of file",
			doc:  "pandas>=2 \\",
			want: Requirement{Line: 1, Name: "pandas", Specifier: ">=2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(strings.NewReader(tt.doc))
			require.NoError(t, err)
			require.Len(t, m.Requirements, 1)

			req := m.Requirements[0]
			assert.Equal(t, tt.want, req)
			assert.Equal(t, tt.pinned, req.Pinned())
			assert.Equal(t, tt.version, req.Version())
		})
	}
}

func TestDirectReferenceNeedsURL(t *testing.T) {
	_, err := Parse(strings.NewReader("openseespy @\n"))

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Line)
}

func TestHashesChangeDigest(t *testing.T) {
	a, err := Parse(strings.NewReader("streamlit==1.32.0 --hash=sha256:aaa\n"))
	require.NoError(t, err)
	b, err := Parse(strings.NewReader("streamlit==1.32.0 \\\n  --hash=sha256:aaa\n"))
	require.NoError(t, err)
	c, err := Parse(strings.NewReader("streamlit==1.32.0 --hash=sha256:bbb\n"))
	require.NoError(t, err)

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
}
