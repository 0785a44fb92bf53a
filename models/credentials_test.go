package models

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials_NeverLeakSecret(t *testing.T) {
	creds := Credentials{Address: "john.doe@example.com", Secret: "hunter2"}

	assert.NotContains(t, fmt.Sprintf("%v", creds), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%+v", creds), "john.doe")
	assert.Equal(t, "Credentials{example.com}", creds.String())

	data, err := json.Marshal(creds)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
}

func TestCredentials_Valid(t *testing.T) {
	assert.True(t, Credentials{Address: "a@b.c", Secret: "x"}.Valid())
	assert.False(t, Credentials{Address: "  ", Secret: "x"}.Valid())
	assert.False(t, Credentials{Address: "a@b.c"}.Valid())
}

func TestCredentials_AddressParts(t *testing.T) {
	creds := Credentials{Address: "john.doe@mail.example.com"}
	assert.Equal(t, "john.doe", creds.LocalPart())
	assert.Equal(t, "mail.example.com", creds.Domain())

	bare := Credentials{Address: "johndoe"}
	assert.Equal(t, "johndoe", bare.LocalPart())
	assert.Empty(t, bare.Domain())
}
