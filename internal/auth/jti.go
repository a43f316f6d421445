package auth

import "matheditor/internal/util"

func newJTI() string {
	return util.NewID()
}
