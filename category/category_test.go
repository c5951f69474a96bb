package category

import "testing"

func TestNormalizeKnownFamilies(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"audio", Audio},
		{"áudio", Audio},
		{"Sem som", Audio},
		{"narração ruim", Audio},
		{"microfone mudo", Audio},
		{"video", Video},
		{"vídeo travando", Video},
		{"imagem congelada", Video},
		{"tela preta", Video},
		{"rede", Network},
		{"conexão caindo", Network},
		{"buffering", Network},
		{"problema na plataforma", Network},
		{"gc", Scoreboard},
		{"GC", Scoreboard},
		{"placar", Scoreboard},
		{"grafismo", Scoreboard},
	}
	for _, c := range cases {
		got, ok := Normalize(c.in)
		if !ok {
			t.Errorf("Normalize(%q) not ok", c.in)
			continue
		}
		if got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizePassthrough(t *testing.T) {
	got, ok := Normalize("transmissão")
	if !ok {
		t.Fatalf("expected passthrough label")
	}
	if got != "TRANSMISSÃO" {
		t.Errorf("Normalize passthrough = %q, want uppercased input", got)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	if _, ok := Normalize(""); ok {
		t.Errorf("empty label should not normalize")
	}
	if _, ok := Normalize("   "); ok {
		t.Errorf("whitespace label should not normalize")
	}
}

func TestNormalizeFirstMatchWins(t *testing.T) {
	// Label mentioning both audio and video families resolves to the first rule.
	got, _ := Normalize("áudio fora de sincronia com o vídeo")
	if got != Audio {
		t.Errorf("Normalize = %q, want %q (rule order)", got, Audio)
	}
}
