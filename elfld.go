package main

import (
	"flag"
	"os"

	"github.com/go-kit/log"

	"elfld/pkg/elfloader"
	"elfld/pkg/utils"
)

func main() {
	dynamic := flag.Bool("dynamic", false, "read the loading subset and the DT_NEEDED list")
	flag.Parse()

	if flag.NArg() < 1 {
		utils.Fatal("usage: elfld [-dynamic] <elf-file>")
	}

	f, err := os.Open(flag.Arg(0))
	utils.MustNo(err)
	defer f.Close()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	cfg := elfloader.DefaultConfig()
	cfg.Logger = logger

	rd, err := elfloader.Open(f, cfg)
	utils.MustNo(err)

	if *dynamic {
		err = rd.ReadDynamic()
	} else {
		err = rd.ReadAll()
	}
	utils.MustNo(err)

	rd.Dump()
}
