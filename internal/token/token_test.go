// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc := New("test-secret")

	tok, err := svc.Issue("manager-1", RoleManager, time.Hour)
	require.NoError(t, err)

	payload, ok := svc.Verify(tok)
	require.True(t, ok)
	require.Equal(t, "manager-1", payload.Subject)
	require.Equal(t, RoleManager, payload.Role)
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := New("test-secret")

	tok, err := svc.Issue("volunteer-1", RoleVolunteer, -time.Second)
	require.NoError(t, err)

	_, ok := svc.Verify(tok)
	require.False(t, ok)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	svc := New("test-secret")
	_, ok := svc.Verify("not-a-token")
	require.False(t, ok)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := New("secret-a")
	verifier := New("secret-b")

	tok, err := issuer.Issue("m-1", RoleManager, time.Hour)
	require.NoError(t, err)

	_, ok := verifier.Verify(tok)
	require.False(t, ok)
}
