package helpers

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendylabs/wendy/internal/certstore"
)

type row struct {
	Name   string `header:"NAME" json:"name"`
	Status string `header:"STATUS" json:"status"`
	Hidden string `json:"-"`
}

func TestWrite_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, []row{{Name: "u1", Status: "valid", Hidden: "x"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"NAME", "STATUS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"u1", "valid"}, strings.Fields(lines[1]))
}

func TestWrite_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, []row{{Name: "u1", Status: "valid"}}))
	assert.JSONEq(t, `[{"name":"u1","status":"valid"}]`, buf.String())
}

func TestWrite_Errors(t *testing.T) {
	assert.Error(t, Write(&bytes.Buffer{}, "yaml", []row{}))
	assert.Error(t, Write(&bytes.Buffer{}, FormatTable, row{}))
}

func TestBrowserCommand(t *testing.T) {
	name, args := browserCommand("darwin", "http://x")
	assert.Equal(t, "open", name)
	assert.Equal(t, []string{"http://x"}, args)

	name, _ = browserCommand("linux", "http://x")
	assert.Equal(t, "xdg-open", name)

	name, args = browserCommand("windows", "http://x")
	assert.Equal(t, "rundll32", name)
	assert.Equal(t, "http://x", args[len(args)-1])
}

func TestReadLine(t *testing.T) {
	got, err := ReadLine(strings.NewReader("  tok-1 \nrest"))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)

	got, err = ReadLine(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", got)

	_, err = ReadLine(strings.NewReader(""))
	assert.Error(t, err)
}

func TestUsersOnly(t *testing.T) {
	candidates := []certstore.Candidate{
		{Entry: certstore.CertificateEntry{OrganizationID: 42, AssetID: "edge-7"}},
		{Entry: certstore.CertificateEntry{OrganizationID: 42, UserID: "u1"}},
		{Entry: certstore.CertificateEntry{OrganizationID: 43, UserID: "u2"}},
	}

	got, err := UsersOnly(0).Select(candidates)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Entry.UserID)

	got, err = UsersOnly(43).Select(candidates)
	require.NoError(t, err)
	assert.Equal(t, "u2", got.Entry.UserID)

	_, err = UsersOnly(44).Select(candidates)
	assert.ErrorIs(t, err, certstore.ErrNoCredentials)
}
