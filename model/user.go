package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseUser splits a numeric "uid" or "uid:gid" user into its ids
func ParseUser(user string) (uid, gid int, ok bool) {
	uidStr, gidStr, hasGid := strings.Cut(user, ":")
	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return 0, 0, false
	}
	gid = uid
	if hasGid {
		if gid, err = strconv.Atoi(gidStr); err != nil || gid < 0 {
			return 0, 0, false
		}
	}
	return uid, gid, true
}

// CheckNonRootUser requires user to be a numeric uid[:gid] with a non-zero uid
func CheckNonRootUser(user string) error {
	uid, _, ok := ParseUser(user)
	if !ok {
		return fmt.Errorf("user %q must be a numeric uid or uid:gid", user)
	}
	if uid == 0 {
		return fmt.Errorf("user %q runs as root", user)
	}
	return nil
}
