package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/univo/univo-rtc/internal/media"
	"github.com/univo/univo-rtc/internal/peer"
	"github.com/univo/univo-rtc/internal/session"
)

var (
	flagUserID       string
	flagAudio        bool
	flagVideo        bool
	flagVideoWidth   int
	flagVideoHeight  int
	flagVideoBitRate int
	flagSTUN         []string
	flagTURN         string
	flagTURNUser     string
	flagTURNPass     string
	flagFetchICE     bool
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and connect to its members",
	Long: `Join a room on the signaling server and establish a WebRTC connection
to every other member.

Examples:
  univo-client join standup --user alice
  univo-client join standup --user bob --audio --video
  univo-client join standup --user carol --server ws://rtc.example.com/ws --fetch-ice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(args[0])
	},
}

func runJoin(roomID string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	userID := strings.TrimSpace(flagUserID)
	if userID == "" {
		return errors.New("--user is required")
	}

	iceServers, err := resolveICEServers()
	if err != nil {
		return err
	}

	source, err := openMediaSource()
	if err != nil {
		var accessErr *media.AccessError
		if errors.As(err, &accessErr) {
			return fmt.Errorf("%s", accessErr.Cause)
		}
		return err
	}

	sess := session.New(session.Config{
		ServerURL:  flagServerURL,
		Media:      source,
		ICEServers: iceServers,
		Logger:     log,
		Callbacks: session.Callbacks{
			OnRoster: func(roomID string, users []string, first bool) {
				if first {
					fmt.Printf("joined %s (you are alone; waiting for others)\n", roomID)
					return
				}
				fmt.Printf("joined %s with %s\n", roomID, strings.Join(others(users, userID), ", "))
			},
			OnPeerState: func(peerID string, state peer.LinkState) {
				fmt.Printf("[%s] %s\n", peerID, state)
			},
			OnPeerRemoved: func(peerID string) {
				fmt.Printf("[%s] gone\n", peerID)
			},
			OnPeerData: func(peerID string, data []byte) {
				fmt.Printf("[%s] %s\n", peerID, data)
			},
			OnPeerMediaState: func(peerID string, audio, video bool) {
				fmt.Printf("[%s] audio=%v video=%v\n", peerID, audio, video)
			},
			OnRemoteTrack: func(peerID string, track *webrtc.TrackRemote) {
				fmt.Printf("[%s] %s track %s\n", peerID, track.Kind(), track.ID())
			},
			OnCustomMessage: func(from string, message json.RawMessage, messageType string, ts int64) {
				fmt.Printf("[%s] %s: %s\n", from, messageType, message)
			},
			OnServerError: func(message string) {
				fmt.Fprintf(os.Stderr, "server: %s\n", message)
			},
		},
	})

	if err := sess.Initialize(userID); err != nil {
		return err
	}
	defer sess.Disconnect()

	if err := sess.JoinRoom(roomID); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Stdin lines are broadcast to every connected peer; /quit leaves.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-stop:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/mute":
				if err := sess.ToggleAudio(false); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			case line == "/unmute":
				if err := sess.ToggleAudio(true); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			case line == "/peers":
				for peerID, state := range sess.PeerStates() {
					fmt.Printf("[%s] %s\n", peerID, state)
				}
			default:
				if err := sess.Broadcast([]byte(line)); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			}
		}
	}
}

func openMediaSource() (media.Source, error) {
	if !flagAudio && !flagVideo {
		return media.NullSource{}, nil
	}
	return media.Capture(media.Constraints{
		Audio:        flagAudio,
		Video:        flagVideo,
		Width:        flagVideoWidth,
		Height:       flagVideoHeight,
		VideoBitRate: flagVideoBitRate,
	})
}

// resolveICEServers builds the ICE list from flags, or asks the server's
// /webrtc/ice endpoint when --fetch-ice is set (required for TURN REST
// deployments, where credentials are short-lived).
func resolveICEServers() ([]webrtc.ICEServer, error) {
	if flagFetchICE {
		return fetchICEServers(flagServerURL)
	}

	var servers []webrtc.ICEServer
	if len(flagSTUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: flagSTUN})
	}
	if flagTURN != "" {
		if flagTURNUser == "" || flagTURNPass == "" {
			return nil, errors.New("--turn requires --turn-user and --turn-pass")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{flagTURN},
			Username:   flagTURNUser,
			Credential: flagTURNPass,
		})
	}
	return servers, nil
}

func fetchICEServers(serverURL string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/webrtc/ice"
	u.RawQuery = ""

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: server returned %s", resp.Status)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
		TTL        int64              `json:"ttl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}

func others(users []string, self string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != self {
			out = append(out, u)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagUserID, "user", "u", "", "User id to join as (required)")
	joinCmd.Flags().BoolVar(&flagAudio, "audio", false, "Capture and stream the microphone")
	joinCmd.Flags().BoolVar(&flagVideo, "video", false, "Capture and stream the camera")
	joinCmd.Flags().IntVar(&flagVideoWidth, "video-width", 0, "Requested capture width (0 = driver default)")
	joinCmd.Flags().IntVar(&flagVideoHeight, "video-height", 0, "Requested capture height (0 = driver default)")
	joinCmd.Flags().IntVar(&flagVideoBitRate, "video-bitrate", 0, "Video bitrate in bits/s (0 = default)")
	joinCmd.Flags().StringSliceVar(&flagSTUN, "stun", nil, "STUN server URL (repeatable)")
	joinCmd.Flags().StringVar(&flagTURN, "turn", "", "TURN server URL")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagFetchICE, "fetch-ice", false, "Fetch ICE servers from the signaling server")
}
