// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"

	il "github.com/newrelic/ilrewriter"
	"github.com/spf13/cobra"
)

var (
	wantScan       bool
	wantPreprocess bool
	wantHeader     bool
	wantLocals     bool
	wantInject     bool
	isCoreCLR      bool
)

func prettyPrint(v interface{}) string {
	buf, err := json.Marshal(v)
	if err != nil {
		log.Println("JSON marshal error: ", err)
		return fmt.Sprintf("%+v", v)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, buf, "", "\t"); err != nil {
		log.Println("JSON parse error: ", err)
		return string(buf)
	}
	return pretty.String()
}

func dumpMethodBody(filename string, cmd *cobra.Command, args []string) {
	data, err := os.ReadFile(filename)
	if err != nil {
		log.Printf("Error while reading file: %s, reason: %s", filename, err)
		return
	}

	parsed, err := il.ParseMethod(data)
	if err != nil {
		log.Printf("Error while parsing method header: %s, reason: %s", filename, err)
		return
	}

	if wantHeader {
		fmt.Println(prettyPrint(parsed.Header))
	}

	if wantScan {
		instructions, err := il.Scan(parsed.Code)
		if err != nil {
			log.Printf("Error while scanning instructions: %s", err)
			return
		}
		fmt.Println(prettyPrint(instructions))
	}

	if wantPreprocess {
		preprocessed, err := il.PreprocessUserCode(parsed.Code)
		if err != nil {
			log.Printf("Error while preprocessing multi-ret code: %s", err)
			return
		}
		fmt.Println(prettyPrint(preprocessed))
	}

	if wantLocals && len(parsed.ExtraSections) > 0 {
		clauses, err := il.ParseExtraSection(parsed.ExtraSections)
		if err != nil {
			log.Printf("Error while parsing exception handlers: %s", err)
			return
		}
		fmt.Println(prettyPrint(clauses))
	}

	if wantInject {
		tokenizer := il.NewInMemoryTokenizer(isCoreCLR)
		ctx := &il.InstrumentationContext{
			AssemblyName:      "Offline",
			TypeName:          "Offline.Type",
			MethodName:        "Method",
			TracerFactoryName: "OfflineTracerFactory",
			MetricName:        "Custom/ildump",
			MethodSignature:   il.MethodSignature{HasThis: true, ReturnTypeIsVoid: true},
		}
		instrumented, err := il.BuildInstrumentedMethod(ctx, &il.ClrMethodContext{}, tokenizer, data)
		if err != nil {
			log.Printf("Error while building instrumented method: %s", err)
			return
		}
		fmt.Printf("instrumented method is %d bytes (original was %d)\n", len(instrumented), len(data))
	}
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ildump",
		Short: "Inspects a raw CIL method-body blob",
		Long:  "Dumps the parsed header, scanned instructions, preprocessed multi-ret rewrite, or exception handlers of a method-body blob captured from a CLR profiler.",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dumpMethodBody(args[0], cmd, args)
		},
	}

	rootCmd.Flags().BoolVar(&wantHeader, "header", false, "Dump the parsed method header")
	rootCmd.Flags().BoolVar(&wantScan, "scan", false, "Dump the scanned instruction stream")
	rootCmd.Flags().BoolVar(&wantPreprocess, "preprocess", false, "Dump the multi-ret-preprocessed code")
	rootCmd.Flags().BoolVar(&wantLocals, "locals", false, "Dump the original exception handlers")
	rootCmd.Flags().BoolVar(&wantInject, "inject", false, "Run the injection template against the method using synthetic offline tokens")
	rootCmd.Flags().BoolVar(&isCoreCLR, "core-clr", true, "Use the CoreCLR assembly-name remap table for --inject")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
