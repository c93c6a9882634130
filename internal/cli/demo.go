package cli

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	maxPrimeBound = 5_000_000
	maxAllocKiB   = 256 * 1024
)

func newDemoMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hello/{name}", handleHello)
	mux.HandleFunc("GET /work/{n}", handleWork)
	mux.HandleFunc("GET /alloc/{kb}", handleAlloc)
	return mux
}

func handleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"message": "hello, " + r.PathValue("name")})
}

func handleWork(w http.ResponseWriter, r *http.Request) {
	n, ok := pathInt(w, r, "n", maxPrimeBound)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"n": n, "primes": countPrimes(n)})
}

func handleAlloc(w http.ResponseWriter, r *http.Request) {
	kb, ok := pathInt(w, r, "kb", maxAllocKiB)
	if !ok {
		return
	}

	chunks := make([][]byte, 0, kb)
	total := 0
	for i := 0; i < kb; i++ {
		chunk := make([]byte, 1024)
		chunk[0] = byte(i)
		chunks = append(chunks, chunk)
		total += len(chunk)
	}

	writeJSON(w, http.StatusOK, map[string]any{"allocated_bytes": total, "chunks": len(chunks)})
}

func pathInt(w http.ResponseWriter, r *http.Request, name string, limit int) (int, bool) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil || n < 0 || n > limit {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": name + " must be an integer between 0 and " + strconv.Itoa(limit),
		})
		return 0, false
	}
	return n, true
}

// countPrimes returns the number of primes below n by trial division.
func countPrimes(n int) int {
	count := 0
	for i := 2; i < n; i++ {
		prime := true
		for d := 2; d*d <= i; d++ {
			if i%d == 0 {
				prime = false
				break
			}
		}
		if prime {
			count++
		}
	}
	return count
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
