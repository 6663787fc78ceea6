package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type cmdPrintSpec struct {
	Spec string    `long:"spec" required:"true" description:"Path to the sync spec YAML file"`
	Log  LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c cmdPrintSpec) Execute(_ []string) error {
	c.Log.Init()

	var spec, err = LoadSpec(c.Spec)
	if err != nil {
		return err
	}
	var enc = yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(spec)
}
