// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// Package process wires config structs, flags, environment and logging
// for the service binaries.
package process

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"reflect"
)

// Error is the default error class for the process package.
var Error = errs.Class("process")

// Bind registers flags for every field of the config struct pointed to
// by target. Field names become kebab-case flags, nested structs add a
// dot-separated prefix, and `help:"..."` / `default:"..."` struct tags
// supply usage and defaults. Flag values write through into the struct.
func Bind(flags *pflag.FlagSet, target interface{}) {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		panic(Error.New("Bind expects a pointer to a struct, got %T", target))
	}
	bindStruct(flags, "", val.Elem())
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		fieldVal := val.Field(i)
		name := kebab(field.Name)
		if prefix != "" {
			name = prefix + "." + name
		}

		if fieldVal.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindStruct(flags, name, fieldVal)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		bindField(flags, name, help, def, fieldVal)
	}
}

func bindField(flags *pflag.FlagSet, name, help, def string, val reflect.Value) {
	switch ptr := val.Addr().Interface().(type) {
	case *time.Duration:
		d, _ := time.ParseDuration(def)
		flags.DurationVar(ptr, name, d, help)
	case *string:
		flags.StringVar(ptr, name, def, help)
	case *bool:
		b, _ := strconv.ParseBool(def)
		flags.BoolVar(ptr, name, b, help)
	case *int:
		n, _ := strconv.Atoi(def)
		flags.IntVar(ptr, name, n, help)
	case *int64:
		n, _ := strconv.ParseInt(def, 10, 64)
		flags.Int64Var(ptr, name, n, help)
	case *uint:
		n, _ := strconv.ParseUint(def, 10, 64)
		flags.UintVar(ptr, name, uint(n), help)
	case *float64:
		f, _ := strconv.ParseFloat(def, 64)
		flags.Float64Var(ptr, name, f, help)
	case *[]string:
		var defs []string
		if def != "" {
			defs = strings.Split(def, ",")
		}
		flags.StringSliceVar(ptr, name, defs, help)
	default:
		panic(Error.New("unsupported config field type %s for %q", val.Type(), name))
	}
}

// kebab turns CamelCase field names into kebab-case flag segments.
func kebab(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LoadConfig overlays values from the environment (DES_ prefix) and an
// optional config file onto flags the command line left untouched.
func LoadConfig(cmd *cobra.Command) error {
	vip := viper.New()
	vip.SetEnvPrefix("DES")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if configFile, err := cmd.Flags().GetString("config"); err == nil && configFile != "" {
		vip.SetConfigFile(configFile)
		if err := vip.ReadInConfig(); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return Error.Wrap(err)
	}

	var failure error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !vip.IsSet(f.Name) {
			return
		}
		if err := f.Value.Set(vip.GetString(f.Name)); err != nil {
			failure = errs.Combine(failure, Error.New("flag %q: %w", f.Name, err))
		}
	})
	return failure
}
