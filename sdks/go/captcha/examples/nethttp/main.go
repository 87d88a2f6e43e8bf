package main

import (
	"log"
	"net/http"
	"os"

	captcha "github.com/Armour007/aura-captcha/sdks/go/captcha"
)

func main() {
	client := captcha.NewClient(os.Getenv("AURA_SERVICE_KEY"), os.Getenv("AURA_CAPTCHA_URL"))
	protect := captcha.ProtectHTTP("login", client, nil, nil)

	mux := http.NewServeMux()
	mux.Handle("/login", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("welcome\n"))
	})))
	log.Println("listening on :9000")
	log.Fatal(http.ListenAndServe(":9000", mux))
}
