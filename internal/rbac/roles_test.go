package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoleSets(t *testing.T) {
	cases := []struct {
		set  RoleSet
		want []Role
	}{
		{Read, []Role{RoleOwner, RoleAdmin, RoleAccountant, RoleViewer}},
		{Write, []Role{RoleOwner, RoleAdmin, RoleAccountant}},
		{Manage, []Role{RoleOwner, RoleAdmin}},
		{OwnerOnly, []Role{RoleOwner}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.set.Roles(), tc.set.String())
		require.False(t, tc.set.Has(RoleUnknown))
	}
	require.Equal(t, "{OWNER,ADMIN}", Manage.String())
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" accountant ")
	require.NoError(t, err)
	require.Equal(t, RoleAccountant, role)

	_, err = ParseRole("superuser")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRoleJSON(t *testing.T) {
	data, err := json.Marshal(Member{UserID: "u", Role: RoleAdmin})
	require.NoError(t, err)
	require.Contains(t, string(data), `"role":"ADMIN"`)

	var m Member
	require.NoError(t, json.Unmarshal([]byte(`{"role":"viewer"}`), &m))
	require.Equal(t, RoleViewer, m.Role)
	require.Error(t, json.Unmarshal([]byte(`{"role":"root"}`), &m))
}
