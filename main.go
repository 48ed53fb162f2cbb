// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/optstack/optstack/cmd/optstack"

func main() {
	cmd.Execute()
}
