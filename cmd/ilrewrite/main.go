// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	il "github.com/newrelic/ilrewriter"
)

func main() {
	rewriteCmd := flag.NewFlagSet("rewrite", flag.ExitOnError)
	typeName := rewriteCmd.String("type", "Unknown.Type", "fully qualified type name the method belongs to")
	methodName := rewriteCmd.String("method", "Unknown", "method name")
	tracerFactory := rewriteCmd.String("tracer-factory", "NewRelic.Tracer", "tracer factory name embedded in the instrumented method")
	metricName := rewriteCmd.String("metric", "Custom/Unknown", "metric name embedded in the instrumented method")
	coreCLR := rewriteCmd.Bool("core-clr", true, "use the CoreCLR assembly-name remap table")
	peImage := rewriteCmd.Bool("pe-image", false, "treat <method.bin> as a full .NET PE image and locate the method by -method-token")
	methodToken := rewriteCmd.String("method-token", "0x06000001", "MethodDef token to locate when -pe-image is set")

	verCmd := flag.NewFlagSet("version", flag.ExitOnError)

	if len(os.Args) < 2 {
		showHelp()
	}

	switch os.Args[1] {
	case "rewrite":
		rewriteCmd.Parse(os.Args[2:])
		args := rewriteCmd.Args()
		if len(args) != 2 {
			fmt.Println("usage: ilrewrite rewrite [flags] <method.bin> <out.bin>")
			os.Exit(1)
		}
		rewrite(args[0], args[1], *typeName, *methodName, *tracerFactory, *metricName, *coreCLR, *peImage, *methodToken)

	case "version":
		verCmd.Parse(os.Args[2:])
		fmt.Println("You are using version 0.1.0")

	default:
		showHelp()
	}
}

func rewrite(in, out, typeName, methodName, tracerFactory, metricName string, coreCLR, peImage bool, methodTokenStr string) {
	data, err := os.ReadFile(in)
	if err != nil {
		fmt.Printf("error reading %s: %s\n", in, err)
		os.Exit(1)
	}

	if peImage {
		token, err := strconv.ParseUint(methodTokenStr, 0, 32)
		if err != nil {
			fmt.Printf("invalid -method-token %q: %s\n", methodTokenStr, err)
			os.Exit(1)
		}
		data, err = il.LoadOriginalILFromPE(data, uint32(token))
		if err != nil {
			fmt.Printf("error locating method %s in PE image %s: %s\n", methodTokenStr, in, err)
			os.Exit(1)
		}
	}

	r := il.NewRewriter(&il.Options{IsCoreCLR: coreCLR})
	tokenizer := il.NewInMemoryTokenizer(coreCLR)

	ctx := &il.InstrumentationContext{
		TypeName:          typeName,
		MethodName:        methodName,
		TracerFactoryName: tracerFactory,
		MetricName:        metricName,
		MethodSignature:   il.MethodSignature{HasThis: true, ReturnTypeIsVoid: true},
	}

	instrumented := r.Rewrite(ctx, &il.ClrMethodContext{}, tokenizer, data)

	if err := os.WriteFile(out, instrumented, 0o644); err != nil {
		fmt.Printf("error writing %s: %s\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d bytes to %s (original was %d)\n", len(instrumented), out, len(data))
}

func showHelp() {
	fmt.Print(
		`
╦╦  ╦═╗┌─┐┬ ┬┬─┐┬┌┬┐┌─┐
║║  ╠╦╝├┤ │││├┬┘│ │ ├┤
╩╩═╝╩╚═└─┘└┴┘┴└─┴ ┴ └─┘

	Standalone CIL method-body instrumentor.
`)
	fmt.Println("\nAvailable sub-commands: 'rewrite' or 'version'")
	os.Exit(1)
}
