// Command kycwatch watches KYC subjects through the livestatus client and runs
// the development backend.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}
