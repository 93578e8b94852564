package watcher

import "testing"

func TestPhotonNameForDirectFile(t *testing.T) {
	name, ok := photonNameFor("git-box.photon.ts", map[string]struct{}{})
	if !ok || name != "git-box" {
		t.Fatalf("got %q, %v", name, ok)
	}
}

func TestPhotonNameForKnownSubdirectory(t *testing.T) {
	known := map[string]struct{}{"dashboard": {}}
	name, ok := photonNameFor("dashboard/assets/style.css", known)
	if !ok || name != "dashboard" {
		t.Fatalf("got %q, %v", name, ok)
	}
}

func TestPhotonNameForUnknownSubdirectoryIgnored(t *testing.T) {
	_, ok := photonNameFor("unrelated/file.txt", map[string]struct{}{})
	if ok {
		t.Fatal("expected no match for an unknown directory")
	}
}

func TestDataFileExcludeIgnoresStateFiles(t *testing.T) {
	cases := []string{"dashboard/data.json", "dashboard/boards/kanban.json", "git-box/cache.json"}
	for _, rel := range cases {
		if !dataFileExclude.MatchString(rel) {
			t.Errorf("expected %q to be excluded", rel)
		}
	}
}

func TestDataFileExcludeAllowsPhotonSource(t *testing.T) {
	if dataFileExclude.MatchString("git-box.photon.ts") {
		t.Fatal("expected photon source file not to be excluded")
	}
}
