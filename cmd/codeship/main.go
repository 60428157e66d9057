// Copyright © 2018 One Concern

package main

import (
	"github.com/oneconcern/codeship/cmd/codeship/cmd"
)

func main() {
	cmd.Execute()
}
