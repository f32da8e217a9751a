package detector

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// Internal thresholds for candidate extraction. The configured confidence
// threshold is applied by the pipeline so it can hot-reload; these only
// prune obvious noise before NMS.
const (
	candidateThreshold = 0.25
	nmsThreshold       = 0.45
)

// YOLO runs a YOLOv8 ONNX model through the OpenCV DNN module.
type YOLO struct {
	mu      sync.Mutex
	net     gocv.Net
	classes []string
	closed  bool
}

// NewYOLO loads the model weights and class names. namesPath may be empty,
// in which case the standard COCO labels are used.
func NewYOLO(weightsPath, namesPath string) (*YOLO, error) {
	if _, err := os.Stat(weightsPath); err != nil {
		return nil, fmt.Errorf("model weights not found: %w", err)
	}

	net := gocv.ReadNet(weightsPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model from %s", weightsPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	classes := cocoNames
	if namesPath != "" {
		loaded, err := loadNames(namesPath)
		if err != nil {
			net.Close()
			return nil, err
		}
		classes = loaded
	}

	return &YOLO{net: net, classes: classes}, nil
}

// loadNames reads one class label per line.
func loadNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open class names: %w", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read class names: %w", err)
	}
	return names, nil
}

// Detect runs inference on the frame image. The image is stretched to a
// square inferenceSize x inferenceSize input (deterministic, no
// letterboxing), so returned boxes are in that square's pixel space and
// map back to the original frame by dividing by inferenceSize per axis.
func (y *YOLO) Detect(img image.Image, inferenceSize int) ([]RawDetection, error) {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil, fmt.Errorf("detector is closed")
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0,
		image.Pt(inferenceSize, inferenceSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.net.SetInput(blob, "")
	output := y.net.Forward("")
	defer output.Close()

	return y.parseOutput(output, inferenceSize)
}

// parseOutput decodes the YOLOv8 output tensor (1 x (4+classes) x anchors)
// into candidate boxes and applies non-maximum suppression.
func (y *YOLO) parseOutput(output gocv.Mat, inferenceSize int) ([]RawDetection, error) {
	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	rows, cols := dims[1], dims[2]

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read output tensor: %w", err)
	}

	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)

	for c := 0; c < cols; c++ {
		bestScore := float32(0)
		bestClass := -1
		for r := 4; r < rows; r++ {
			if s := data[r*cols+c]; s > bestScore {
				bestScore = s
				bestClass = r - 4
			}
		}
		if bestScore < candidateThreshold || bestClass < 0 {
			continue
		}

		cx := data[0*cols+c]
		cy := data[1*cols+c]
		w := data[2*cols+c]
		h := data[3*cols+c]

		rect := image.Rect(
			int(cx-w/2), int(cy-h/2),
			int(cx+w/2), int(cy+h/2),
		).Intersect(image.Rect(0, 0, inferenceSize, inferenceSize))

		boxes = append(boxes, rect)
		scores = append(scores, bestScore)
		classes = append(classes, bestClass)
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, candidateThreshold, nmsThreshold)

	detections := make([]RawDetection, 0, len(keep))
	for _, i := range keep {
		label := "unknown"
		if classes[i] < len(y.classes) {
			label = y.classes[classes[i]]
		}
		detections = append(detections, RawDetection{
			Label:      label,
			Confidence: float64(scores[i]),
			Box:        boxes[i],
		})
	}
	return detections, nil
}

// Close releases the network.
func (y *YOLO) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.closed {
		return nil
	}
	y.closed = true
	return y.net.Close()
}

// cocoNames is the standard 80-class COCO label set YOLOv8 ships with.
var cocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "stop sign",
	"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep",
	"cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard",
	"sports ball", "kite", "baseball bat", "baseball glove", "skateboard",
	"surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork",
	"knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv",
	"laptop", "mouse", "remote", "keyboard", "cell phone", "microwave",
	"oven", "toaster", "sink", "refrigerator", "book", "clock", "vase",
	"scissors", "teddy bear", "hair drier", "toothbrush",
}
