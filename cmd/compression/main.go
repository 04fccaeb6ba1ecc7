package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"chronodb/pkg/compression"
)

// result of encoding every record of the input with one codec, the way
// chunk data files store values.
type result struct {
	codec      string
	original   int
	compressed int
	encode     time.Duration
	decode     time.Duration
}

func main() {
	input := flag.String("input", "", "input file, one record per line")
	flag.Parse()

	if *input == "" {
		log.Fatal("input file is required")
	}

	records, err := readRecords(*input)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	fmt.Printf("Records: %d\n", len(records))

	for _, name := range []string{"none", "snappy", "zstd"} {
		codec, err := compression.ByName(name)
		if err != nil {
			log.Fatalf("codec %s: %v", name, err)
		}
		res, err := benchmark(codec, records)
		if err != nil {
			log.Fatalf("benchmark %s: %v", name, err)
		}
		printResult(res)
	}
}

func readRecords(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		records = append(records, bytes.Clone(sc.Bytes()))
	}
	return records, sc.Err()
}

func benchmark(codec compression.Codec, records [][]byte) (result, error) {
	res := result{codec: codec.Name()}
	encoded := make([][]byte, len(records))

	start := time.Now()
	for i, r := range records {
		encoded[i] = codec.Encode(r)
		res.original += len(r)
		res.compressed += len(encoded[i])
	}
	res.encode = time.Since(start)

	start = time.Now()
	for i, e := range encoded {
		out, err := codec.Decode(e)
		if err != nil {
			return res, fmt.Errorf("record %d: %w", i, err)
		}
		if !bytes.Equal(out, records[i]) {
			return res, fmt.Errorf("record %d does not round trip", i)
		}
	}
	res.decode = time.Since(start)
	return res, nil
}

func printResult(r result) {
	ratio := 0.0
	if r.original > 0 {
		ratio = float64(r.compressed) / float64(r.original) * 100
	}
	fmt.Printf("\n%s:\n", r.codec)
	fmt.Printf("  Original: %d bytes\n", r.original)
	fmt.Printf("  Compressed: %d bytes\n", r.compressed)
	fmt.Printf("  Ratio: %.2f%%\n", ratio)
	fmt.Printf("  Encode: %v\n", r.encode)
	fmt.Printf("  Decode: %v\n", r.decode)
}
