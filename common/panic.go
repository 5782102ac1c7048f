package common

import (
	"fmt"
	"os"
	"runtime/debug"
)

func PanicHandler() {
	if r := recover(); r != nil {
		fmt.Printf("Panic caught in Perch: %v\n", r)
		debug.PrintStack()
		os.Exit(1)
	}
}
