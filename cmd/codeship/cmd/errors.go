package cmd

import "github.com/oneconcern/codeship/pkg/errors"

var (
	errImageRequired = errors.New("the container runner requires an image")
	errUnknownRunner = errors.New("unknown runner")
)
